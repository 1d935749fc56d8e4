package delivery

import (
	"fmt"
	"time"
)

// Kind tags an Outcome.
type Kind string

const (
	KindDelivered     Kind = "delivered"
	KindPartial       Kind = "partial"
	KindNotReady      Kind = "not_ready"
	KindEndpointError Kind = "endpoint_error"
	KindTimeout       Kind = "timeout"
	KindNotFound      Kind = "not_found"
)

// Outcome is the result of one strategy attempt. Only the fields that
// belong to Kind are set.
type Outcome struct {
	Kind Kind `json:"kind"`
	// Reason is the unmet precondition of a not_ready outcome.
	Reason string `json:"reason,omitempty"`
	// StatusCode is the HTTP status of an endpoint_error (0 for transport failures).
	StatusCode int `json:"statusCode,omitempty"`
	// Step names the state a not_found or partial outcome stopped at.
	Step   string `json:"step,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func Delivered() Outcome {
	return Outcome{Kind: KindDelivered}
}

// Partial means the field was populated but confirm was blocked; the user
// can finish by hand.
func Partial(step string) Outcome {
	return Outcome{Kind: KindPartial, Step: step}
}

func NotReady(reason string) Outcome {
	return Outcome{Kind: KindNotReady, Reason: reason}
}

func EndpointError(code int, detail string) Outcome {
	return Outcome{Kind: KindEndpointError, StatusCode: code, Detail: detail}
}

func Timeout(detail string) Outcome {
	return Outcome{Kind: KindTimeout, Detail: detail}
}

func NotFound(step, detail string) Outcome {
	return Outcome{Kind: KindNotFound, Step: step, Detail: detail}
}

// Succeeded reports whether the content reached the target. A partial
// outcome counts: the text is sitting in the target's dialog.
func (o Outcome) Succeeded() bool {
	return o.Kind == KindDelivered || o.Kind == KindPartial
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindPartial:
		return fmt.Sprintf("partial(%s)", o.Step)
	case KindNotReady:
		return fmt.Sprintf("notReady(%s)", o.Reason)
	case KindEndpointError:
		return fmt.Sprintf("endpointError(%d)", o.StatusCode)
	case KindNotFound:
		return fmt.Sprintf("notFound(%s)", o.Step)
	default:
		return string(o.Kind)
	}
}

// Attempt is one strategy attempt as recorded by the dispatcher.
type Attempt struct {
	Strategy  string        `json:"strategy"`
	Outcome   Outcome       `json:"outcome"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}
