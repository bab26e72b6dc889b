package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/protocol-bank/payroll/types"
)

type YAMLToken struct {
	Symbol     string `yaml:"symbol"`
	Decimals   int32  `yaml:"decimals"`
	Stablecoin bool   `yaml:"stablecoin"`
}

type YAMLChain struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Tokens []string `yaml:"tokens"`
}

type YAMLRegistry struct {
	Tokens []YAMLToken `yaml:"tokens"`
	Chains []YAMLChain `yaml:"chains"`
}

// LoadTokenRegistry reads a token/chain registry. An empty path yields the
// built-in registry. Entries in the file replace built-in entries with the
// same symbol or chain id and add new ones.
func LoadTokenRegistry(filePath string) (*types.Registry, error) {
	if filePath == "" {
		return types.DefaultRegistry(), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read token registry: %w", err)
	}

	var yamlData YAMLRegistry
	err = yaml.Unmarshal(data, &yamlData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	base := types.DefaultRegistry()
	tokens := make(map[types.TokenSymbol]types.TokenInfo)
	var tokenOrder []types.TokenSymbol
	addToken := func(t types.TokenInfo) {
		t.Symbol = t.Symbol.Normalize()
		if _, ok := tokens[t.Symbol]; !ok {
			tokenOrder = append(tokenOrder, t.Symbol)
		}
		tokens[t.Symbol] = t
	}
	for _, sym := range []types.TokenSymbol{
		types.TokenUSDC, types.TokenUSDT, types.TokenDAI, types.TokenETH,
		types.TokenMATIC, types.TokenBNB, types.TokenSOL, types.TokenBTC,
	} {
		if t, ok := base.Token(sym); ok {
			addToken(t)
		}
	}
	for _, yt := range yamlData.Tokens {
		if yt.Symbol == "" {
			return nil, fmt.Errorf("token without symbol")
		}
		if yt.Decimals < 0 || yt.Decimals > 36 {
			return nil, fmt.Errorf("token %s: invalid decimals %d", yt.Symbol, yt.Decimals)
		}
		addToken(types.TokenInfo{
			Symbol:     types.TokenSymbol(yt.Symbol),
			Decimals:   yt.Decimals,
			Stablecoin: yt.Stablecoin,
		})
	}

	chains := base.Chains()
	index := make(map[types.ChainID]int, len(chains))
	for i, c := range chains {
		index[c.ID] = i
	}
	for _, yc := range yamlData.Chains {
		if yc.ID == "" {
			return nil, fmt.Errorf("chain without id")
		}
		chain := types.ChainInfo{
			ID:     types.ChainID(yc.ID),
			Name:   yc.Name,
			Tokens: make([]types.TokenSymbol, 0, len(yc.Tokens)),
		}
		for _, sym := range yc.Tokens {
			symbol := types.TokenSymbol(sym).Normalize()
			if _, ok := tokens[symbol]; !ok {
				return nil, fmt.Errorf("chain %s: unknown token %s", yc.ID, sym)
			}
			chain.Tokens = append(chain.Tokens, symbol)
		}
		if i, ok := index[chain.ID]; ok {
			chains[i] = chain
		} else {
			index[chain.ID] = len(chains)
			chains = append(chains, chain)
		}
	}

	out := make([]types.TokenInfo, 0, len(tokenOrder))
	for _, sym := range tokenOrder {
		out = append(out, tokens[sym])
	}
	return types.NewRegistry(out, chains), nil
}
