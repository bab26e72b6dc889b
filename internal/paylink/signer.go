package paylink

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/internal/validation"
	"github.com/protocol-bank/payroll/types"
)

const (
	MsgInvalidURL        = "Invalid payment link URL format"
	MsgExpired           = "Payment link has expired"
	MsgInvalidSignature  = "Payment link signature is invalid"
	MsgHomoglyphDetected = "Homoglyph attack detected in address"
	msgMemoMarkup        = "Memo must not contain markup"

	paymentIDPrefix = "pay_"
)

var ErrMissingSecret = errors.New("payment link secret is required")

type Config struct {
	Secret          string `mapstructure:"secret" json:"-"`
	BaseURL         string `mapstructure:"base_url" json:"base_url"`
	SignatureLength int    `mapstructure:"signature_length" json:"signature_length"`
}

// Signer issues and checks tamper-evident payment links.
type Signer struct {
	secret    []byte
	baseURL   string
	sigLength int
	validator *validation.Validator
	sanitizer *bluemonday.Policy
	now       func() time.Time
	logger    *logrus.Entry
}

func NewSigner(cfg Config, validator *validation.Validator, logger *logrus.Logger) (*Signer, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("payment link base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid payment link base url: %w", err)
	}
	if cfg.SignatureLength == 0 {
		cfg.SignatureLength = DefaultSignatureLength
	}
	if validator == nil {
		validator = validation.NewValidator(nil)
	}
	return &Signer{
		secret:    []byte(cfg.Secret),
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		sigLength: cfg.SignatureLength,
		validator: validator,
		sanitizer: bluemonday.StrictPolicy(),
		now:       time.Now,
		logger:    logger.WithField("pkg", "paylink.Signer"),
	}, nil
}

// Generate validates params, signs them and builds the link URL.
func (s *Signer) Generate(params types.PaymentLinkParams) (*types.PaymentLink, error) {
	if err := s.validate(&params); err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(time.Duration(params.ExpiryHours) * time.Hour)
	expiryMs := expiresAt.UnixMilli()
	paymentID := paymentIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")

	sig := Sign(SignedFields{
		To:       params.To,
		Amount:   params.Amount,
		Token:    params.Token.String(),
		ExpiryMs: expiryMs,
		Memo:     params.Memo,
	}.Canonical(), s.secret, s.sigLength)

	link := &types.PaymentLink{
		URL:       s.buildURL(params, expiryMs, sig, paymentID),
		ShortURL:  strings.Replace(s.baseURL, "/pay", "", 1) + "/p/" + paymentID[len(paymentIDPrefix):len(paymentIDPrefix)+8],
		PaymentID: paymentID,
		Params:    params,
		Signature: sig,
		ExpiresAt: time.UnixMilli(expiryMs),
		CreatedAt: now,
	}

	s.logger.WithFields(logrus.Fields{
		"payment_id": paymentID,
		"token":      params.Token,
		"chain":      params.Chain,
		"expires_at": link.ExpiresAt,
	}).Debug("payment link generated")

	return link, nil
}

// Verify never fails: every problem is reported in the result.
func (s *Signer) Verify(rawURL string) types.LinkVerificationResult {
	p, err := parseLink(rawURL)
	if err != nil {
		return types.LinkVerificationResult{
			Valid:          false,
			TamperedFields: []string{},
			Error:          MsgInvalidURL,
		}
	}

	if details := validation.DetectHomoglyphs(p.to); len(details) > 0 {
		return types.LinkVerificationResult{
			Valid:             false,
			TamperedFields:    []string{"to"},
			HomoglyphDetected: true,
			HomoglyphDetails:  details,
			Params:            s.params(p),
			Error:             MsgHomoglyphDetected,
		}
	}

	expected := Sign(SignedFields{
		To:       p.to,
		Amount:   p.amount,
		Token:    p.token.String(),
		ExpiryMs: p.expiryMs,
		Memo:     p.memo,
	}.Canonical(), s.secret, len(p.sig))
	sigOK := len(p.sig) >= s.minSignatureLength() && Equal(p.sig, expected)
	expired := s.now().UnixMilli() > p.expiryMs

	res := types.LinkVerificationResult{
		Valid:          sigOK && !expired,
		Expired:        expired,
		TamperedFields: []string{},
		Params:         s.params(p),
		PaymentID:      p.id,
	}
	if !sigOK {
		res.TamperedFields = append(res.TamperedFields, "signature")
	}
	switch {
	case expired:
		res.Error = MsgExpired
	case !sigOK:
		res.Error = MsgInvalidSignature
	}
	return res
}

// Parse extracts link parameters without checking the signature.
func (s *Signer) Parse(rawURL string) (*types.PaymentLinkParams, error) {
	p, err := parseLink(rawURL)
	if err != nil {
		return nil, err
	}
	return s.params(p), nil
}

func (s *Signer) minSignatureLength() int {
	if s.sigLength > 0 {
		return s.sigLength
	}
	return DefaultSignatureLength
}

func (s *Signer) params(p *parsedLink) *types.PaymentLinkParams {
	hours := int(time.UnixMilli(p.expiryMs).Sub(s.now()).Hours())
	if hours < validation.MinExpiryHours {
		hours = validation.MinExpiryHours
	}
	return &types.PaymentLinkParams{
		To:          p.to,
		Amount:      p.amount,
		Token:       p.token,
		Chain:       p.chain,
		ExpiryHours: hours,
		Memo:        p.memo,
		OrderID:     p.orderID,
		CallbackURL: p.callback,
		Chains:      p.chains,
		Tokens:      p.tokens,
	}
}

func (s *Signer) validate(params *types.PaymentLinkParams) error {
	var errs types.ValidationErrors

	params.Token = params.Token.Normalize()
	if params.Token == "" {
		params.Token = types.DefaultToken
	}
	if params.ExpiryHours == 0 {
		params.ExpiryHours = validation.DefaultExpiryHours
	}
	params.Amount = strings.TrimSpace(params.Amount)

	if err := s.validator.Address(params.To, params.Chain); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.validator.Amount(params.Amount); err != nil {
		errs = append(errs, err)
	}
	if params.Chain != "" {
		if err := s.validator.TokenOnChain(params.Token, params.Chain); err != nil {
			errs = append(errs, err)
		}
	} else if err := s.validator.Token(params.Token); err != nil {
		errs = append(errs, err)
	}
	if err := s.validator.ExpiryHours(params.ExpiryHours); err != nil {
		errs = append(errs, err)
	}
	if err := s.validator.Memo(params.Memo); err != nil {
		errs = append(errs, err)
	}
	if params.Memo != "" && html.UnescapeString(s.sanitizer.Sanitize(params.Memo)) != params.Memo {
		errs.Add("memo", msgMemoMarkup)
	}
	for _, c := range params.Chains {
		if !s.validator.Registry().IsSupportedChain(c) {
			errs.Add("chains", fmt.Sprintf("%s: %s", validation.MsgUnsupportedChain, c))
		}
	}
	if len(params.Tokens) > 0 {
		tokens := make([]types.TokenSymbol, len(params.Tokens))
		for i, t := range params.Tokens {
			tokens[i] = t.Normalize()
			if err := s.validator.Token(t); err != nil {
				errs.Add("tokens", err.Message)
			}
		}
		params.Tokens = tokens
	}
	if params.CallbackURL != "" {
		if u, err := url.Parse(params.CallbackURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs.Add("callback_url", "Callback URL must be an absolute http(s) URL")
		}
	}

	return errs.Err()
}

func (s *Signer) buildURL(params types.PaymentLinkParams, expiryMs int64, sig, paymentID string) string {
	q := url.Values{}
	q.Set("to", params.To)
	q.Set("amount", params.Amount)
	q.Set("token", params.Token.String())
	q.Set("exp", strconv.FormatInt(expiryMs, 10))
	q.Set("sig", sig)
	q.Set("id", paymentID)
	if params.Chain != "" {
		q.Set("chain", params.Chain.String())
	}
	if params.Memo != "" {
		q.Set("memo", params.Memo)
	}
	if params.OrderID != "" {
		q.Set("orderId", params.OrderID)
	}
	if params.CallbackURL != "" {
		q.Set("callback", params.CallbackURL)
	}
	if len(params.Chains) > 0 {
		chains := make([]string, len(params.Chains))
		for i, c := range params.Chains {
			chains[i] = c.String()
		}
		q.Set("chains", strings.Join(chains, ","))
	}
	if len(params.Tokens) > 0 {
		tokens := make([]string, len(params.Tokens))
		for i, t := range params.Tokens {
			tokens[i] = t.String()
		}
		q.Set("tokens", strings.Join(tokens, ","))
	}
	return s.baseURL + "?" + q.Encode()
}
