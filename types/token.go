package types

import (
	"slices"
	"strings"
)

type TokenSymbol string

const (
	TokenUSDC  TokenSymbol = "USDC"
	TokenUSDT  TokenSymbol = "USDT"
	TokenDAI   TokenSymbol = "DAI"
	TokenETH   TokenSymbol = "ETH"
	TokenMATIC TokenSymbol = "MATIC"
	TokenBNB   TokenSymbol = "BNB"
	TokenSOL   TokenSymbol = "SOL"
	TokenBTC   TokenSymbol = "BTC"
)

const DefaultToken = TokenUSDC

func (t TokenSymbol) String() string {
	return string(t)
}

// Normalize upper-cases the symbol, matching how symbols are signed.
func (t TokenSymbol) Normalize() TokenSymbol {
	return TokenSymbol(strings.ToUpper(strings.TrimSpace(string(t))))
}

type TokenInfo struct {
	Symbol     TokenSymbol `json:"symbol" yaml:"symbol"`
	Decimals   int32       `json:"decimals" yaml:"decimals"`
	Stablecoin bool        `json:"stablecoin" yaml:"stablecoin"`
}

type ChainInfo struct {
	ID     ChainID       `json:"id" yaml:"id"`
	Name   string        `json:"name" yaml:"name"`
	Tokens []TokenSymbol `json:"tokens" yaml:"tokens"`
}

// Registry is the set of tokens and networks payouts may use.
type Registry struct {
	tokens map[TokenSymbol]TokenInfo
	chains map[ChainID]ChainInfo
	order  []ChainID
}

func NewRegistry(tokens []TokenInfo, chains []ChainInfo) *Registry {
	r := &Registry{
		tokens: make(map[TokenSymbol]TokenInfo, len(tokens)),
		chains: make(map[ChainID]ChainInfo, len(chains)),
	}
	for _, t := range tokens {
		t.Symbol = t.Symbol.Normalize()
		r.tokens[t.Symbol] = t
	}
	for _, c := range chains {
		norm := make([]TokenSymbol, 0, len(c.Tokens))
		for _, t := range c.Tokens {
			norm = append(norm, t.Normalize())
		}
		c.Tokens = norm
		if _, ok := r.chains[c.ID]; !ok {
			r.order = append(r.order, c.ID)
		}
		r.chains[c.ID] = c
	}
	return r
}

func DefaultRegistry() *Registry {
	return NewRegistry(
		[]TokenInfo{
			{Symbol: TokenUSDC, Decimals: 6, Stablecoin: true},
			{Symbol: TokenUSDT, Decimals: 6, Stablecoin: true},
			{Symbol: TokenDAI, Decimals: 18, Stablecoin: true},
			{Symbol: TokenETH, Decimals: 18},
			{Symbol: TokenMATIC, Decimals: 18},
			{Symbol: TokenBNB, Decimals: 18},
			{Symbol: TokenSOL, Decimals: 9},
			{Symbol: TokenBTC, Decimals: 8},
		},
		[]ChainInfo{
			{ID: ChainEthereum, Name: "Ethereum", Tokens: []TokenSymbol{TokenUSDC, TokenUSDT, TokenDAI, TokenETH}},
			{ID: ChainPolygon, Name: "Polygon", Tokens: []TokenSymbol{TokenUSDC, TokenUSDT, TokenDAI, TokenMATIC}},
			{ID: ChainBase, Name: "Base", Tokens: []TokenSymbol{TokenUSDC, TokenETH}},
			{ID: ChainArbitrum, Name: "Arbitrum", Tokens: []TokenSymbol{TokenUSDC, TokenUSDT, TokenETH}},
			{ID: ChainOptimism, Name: "Optimism", Tokens: []TokenSymbol{TokenUSDC, TokenUSDT, TokenETH}},
			{ID: ChainBSC, Name: "BNB Chain", Tokens: []TokenSymbol{TokenUSDC, TokenUSDT, TokenBNB}},
			{ID: ChainSolana, Name: "Solana", Tokens: []TokenSymbol{TokenUSDC, TokenUSDT, TokenSOL}},
			{ID: ChainBitcoin, Name: "Bitcoin", Tokens: []TokenSymbol{TokenBTC}},
		},
	)
}

func (r *Registry) Token(symbol TokenSymbol) (TokenInfo, bool) {
	t, ok := r.tokens[symbol.Normalize()]
	return t, ok
}

func (r *Registry) IsSupportedToken(symbol TokenSymbol) bool {
	_, ok := r.Token(symbol)
	return ok
}

// Decimals returns the token precision, or 18 for unknown tokens.
func (r *Registry) Decimals(symbol TokenSymbol) int32 {
	if t, ok := r.Token(symbol); ok {
		return t.Decimals
	}
	return 18
}

func (r *Registry) IsStablecoin(symbol TokenSymbol) bool {
	t, ok := r.Token(symbol)
	return ok && t.Stablecoin
}

func (r *Registry) Chain(id ChainID) (ChainInfo, bool) {
	c, ok := r.chains[id]
	return c, ok
}

func (r *Registry) IsSupportedChain(id ChainID) bool {
	_, ok := r.chains[id]
	return ok
}

func (r *Registry) Chains() []ChainInfo {
	out := make([]ChainInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.chains[id])
	}
	return out
}

func (r *Registry) TokensForChain(id ChainID) []TokenSymbol {
	c, ok := r.chains[id]
	if !ok {
		return nil
	}
	return slices.Clone(c.Tokens)
}

func (r *Registry) ChainsForToken(symbol TokenSymbol) []ChainID {
	symbol = symbol.Normalize()
	var out []ChainID
	for _, id := range r.order {
		if slices.Contains(r.chains[id].Tokens, symbol) {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) IsTokenOnChain(symbol TokenSymbol, id ChainID) bool {
	c, ok := r.chains[id]
	return ok && slices.Contains(c.Tokens, symbol.Normalize())
}
