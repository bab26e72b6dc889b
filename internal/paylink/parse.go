package paylink

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/protocol-bank/payroll/types"
)

type parsedLink struct {
	to       string
	amount   string
	token    types.TokenSymbol
	expiryMs int64
	sig      string
	id       string
	chain    types.ChainID
	memo     string
	orderID  string
	callback string
	chains   []types.ChainID
	tokens   []types.TokenSymbol
}

func parseLink(rawURL string) (*parsedLink, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()

	p := &parsedLink{
		to:       q.Get("to"),
		amount:   q.Get("amount"),
		sig:      q.Get("sig"),
		id:       q.Get("id"),
		chain:    types.ChainID(q.Get("chain")),
		memo:     q.Get("memo"),
		orderID:  q.Get("orderId"),
		callback: q.Get("callback"),
	}
	expiry := q.Get("exp")
	if p.to == "" || p.amount == "" || p.sig == "" || expiry == "" {
		return nil, fmt.Errorf("missing required parameters")
	}
	p.expiryMs, err = strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry timestamp: %w", err)
	}

	p.token = types.TokenSymbol(q.Get("token")).Normalize()
	if p.token == "" {
		p.token = types.DefaultToken
	}
	for _, c := range splitList(q.Get("chains")) {
		p.chains = append(p.chains, types.ChainID(c))
	}
	for _, t := range splitList(q.Get("tokens")) {
		p.tokens = append(p.tokens, types.TokenSymbol(t).Normalize())
	}
	return p, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
