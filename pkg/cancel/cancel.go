// Package cancel implements C9: routing an out-of-band cancellation
// request to the worker it names, if that worker is still live and
// the caller presented the right secret.
package cancel

import (
	"crypto/subtle"
	"encoding/binary"
	"os"

	"github.com/cuemby/warden/pkg/handshake"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/registry"
)

// Signal is the OS signal used to notify a worker of a pending
// cancellation. A worker process interprets receipt as "cancel the
// query currently in progress", not as a request to exit.
const Signal = os.Interrupt

// Route looks up the worker named by req in reg and, if present and
// the presented secret matches, signals it. Every outcome is silent
// to whoever sent the request — this is deliberate: a wrong secret or
// an unknown worker id must look identical to the caller, per
// spec.md §4.9. Mismatches and unknown ids still increment the
// cancel-outcome metric so the supervisor itself can observe the
// traffic.
func Route(reg *registry.Registry, req handshake.CancelRequest) {
	entry := reg.Find(req.WorkerID)
	if entry == nil {
		metrics.CancelRequestsTotal.WithLabelValues("unknown_worker").Inc()
		return
	}

	if subtle.ConstantTimeCompare(uint32Bytes(entry.CancelSecret), uint32Bytes(req.Secret)) != 1 {
		metrics.CancelRequestsTotal.WithLabelValues("secret_mismatch").Inc()
		return
	}

	if entry.Cmd == nil || entry.Cmd.Process == nil {
		metrics.CancelRequestsTotal.WithLabelValues("not_yet_spawned").Inc()
		return
	}

	if err := entry.Cmd.Process.Signal(Signal); err != nil {
		log.WithWorker(entry.ID).Warn().Err(err).Msg("cancel: failed to signal worker")
		metrics.CancelRequestsTotal.WithLabelValues("signal_failed").Inc()
		return
	}

	metrics.CancelRequestsTotal.WithLabelValues("delivered").Inc()
}

func uint32Bytes(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}
