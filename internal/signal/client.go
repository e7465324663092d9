package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// HTTPSource asks a remote decision service for a proposal. The response is
// validated before it is returned; a shape the contract does not allow is
// an error, never a coerced trade.
type HTTPSource struct {
	url  string
	rest *resty.Client
}

// NewHTTPSource builds a source against the given endpoint.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(10 * time.Second)
	}
	return &HTTPSource{url: url, rest: r}
}

// Propose posts the market context and returns the validated proposal.
func (h *HTTPSource) Propose(ctx context.Context, mkt MarketContext) (Proposal, error) {
	var p Proposal
	resp, err := h.rest.R().
		SetContext(ctx).
		SetBody(mkt).
		SetResult(&p).
		Post(h.url)
	if err != nil {
		return Proposal{}, fmt.Errorf("signal request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return Proposal{}, fmt.Errorf("signal service status %d: %s", resp.StatusCode(), resp.String())
	}
	if err := Validate(p); err != nil {
		return Proposal{}, fmt.Errorf("signal service returned invalid proposal: %w", err)
	}

	log.Debug().
		Str("instrument", mkt.Instrument).
		Str("action", string(p.Action)).
		Str("side", string(p.Side)).
		Float64("confidence", p.Confidence).
		Msg("proposal received")
	return p, nil
}
