package worker

import (
	"time"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/dht"
	"github.com/synnergy-labs/conductor/internal/p2p/server"
)

// DirectSender adapts a Worker to internal/hostabi.PeerSender: the "send"
// host call expects a blocking request/reply, which SendAndWait provides
// by correlating the wire reply against the request id it issued.
type DirectSender struct{ w *Worker }

// NewDirectSender wraps w so it satisfies hostabi.PeerSender.
func NewDirectSender(w *Worker) DirectSender { return DirectSender{w: w} }

func (d DirectSender) SendDirectMessage(to address.Address, payload []byte, timeout time.Duration) ([]byte, error) {
	return d.w.SendAndWait(to, payload, timeout)
}

// EntryPublisher adapts a Worker to internal/workflow.Publisher: a freshly
// authored aspect is handed to PublishEntry so it gossips to every peer
// tracked in the worker's space, per spec.md's "host calls ... may
// publish through C9".
type EntryPublisher struct {
	w     *Worker
	agent address.Address
}

// NewEntryPublisher wraps w so it satisfies workflow.Publisher for agent.
func NewEntryPublisher(w *Worker, agent address.Address) EntryPublisher {
	return EntryPublisher{w: w, agent: agent}
}

func (p EntryPublisher) PublishEntry(aspect dht.Aspect) error {
	entryAddr, err := aspect.EntryAddress()
	if err != nil {
		return err
	}
	p.w.PublishEntry(server.PublishEntry{
		Envelope: server.Envelope{Space: p.w.cfg.Space},
		Agent:    p.agent,
		Entry:    entryAddr,
		Aspects:  []dht.Aspect{aspect},
	})
	return nil
}
