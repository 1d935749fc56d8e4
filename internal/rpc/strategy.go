package rpc

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/delivery"
	"github.com/austindbirch/starbridge/internal/logging"
	"github.com/austindbirch/starbridge/internal/poll"
	"github.com/austindbirch/starbridge/internal/session"
	"github.com/austindbirch/starbridge/internal/tracing"
)

// forgetter is implemented by callers that hold results in memory.
type forgetter interface {
	Forget(requestID string)
}

// Strategy is the Structural-Call strategy: one request per delivery,
// never retried against the endpoint.
type Strategy struct {
	caller Caller
	url    string
	rpcID  string
	policy poll.Policy
	logger *logging.Logger
}

// NewStrategy builds the strategy. url is the absolute endpoint URL
// including the rpcids query.
func NewStrategy(caller Caller, url, rpcID string, policy poll.Policy) *Strategy {
	if rpcID == "" {
		rpcID = DefaultRPCID
	}
	return &Strategy{
		caller: caller,
		url:    url,
		rpcID:  rpcID,
		policy: policy,
		logger: logging.New("rpc"),
	}
}

func (s *Strategy) Name() string { return delivery.StrategyRPC }

func (s *Strategy) Attempt(ctx context.Context, rec content.Record, st session.State) delivery.Outcome {
	// no network call without a container and a token
	if err := st.Ready(); err != nil {
		var nr *session.NotReadyError
		if errors.As(err, &nr) {
			return delivery.NotReady(string(nr.Reason))
		}
		return delivery.NotReady(err.Error())
	}

	payload, err := Payload(rec, st.ContainerID)
	if err != nil {
		return delivery.EndpointError(0, err.Error())
	}
	envelope, err := RequestEnvelope(s.rpcID, payload)
	if err != nil {
		return delivery.EndpointError(0, err.Error())
	}

	kind := "text"
	if rec.IsLink() {
		kind = "link"
	}
	tracing.AddSpanEvent(ctx, "rpc.start", attribute.String("source.kind", kind))

	id, err := s.caller.Start(ctx, Call{URL: s.url, Token: st.AuthToken, Envelope: envelope})
	if err != nil {
		s.logger.WithContext(ctx).WithContainer(st.ContainerID).WithError(err).Warn("rpc call not started")
		return delivery.EndpointError(0, err.Error())
	}

	res, err := poll.Until(ctx, s.policy, func(ctx context.Context) (CallResult, bool, error) {
		return s.caller.Result(ctx, id)
	})
	switch {
	case errors.Is(err, poll.ErrTimeout):
		if f, ok := s.caller.(forgetter); ok {
			f.Forget(id)
		}
		return delivery.Timeout("no result after " + s.policy.String())
	case err != nil:
		return delivery.EndpointError(0, err.Error())
	case res.Err != "":
		return delivery.EndpointError(res.Status, res.Err)
	}

	out := CheckResponse(res.Status, res.Body)
	tracing.AddSpanEvent(ctx, "rpc.result", attribute.Int("http.status_code", res.Status))
	return out
}
