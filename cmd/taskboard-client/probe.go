package main

import (
	"context"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentworkforce/taskboard/internal/clientsync"
)

// NetworkObserver receives reachability transitions.
type NetworkObserver interface {
	NetworkChanged(ctx context.Context, reachable bool) error
}

type probeFunc func(ctx context.Context) bool

func tcpProbe(addr string, timeout time.Duration) probeFunc {
	dialer := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context) bool {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// watchReachability probes on a jittered interval and reports transitions
// only.
func watchReachability(ctx context.Context, probe probeFunc, observer NetworkObserver, interval time.Duration, jitter float64, logger log.FieldLogger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	known := true
	check := func() {
		reachable := probe(ctx)
		if reachable == known || ctx.Err() != nil {
			return
		}
		known = reachable
		logger.WithField("reachable", reachable).Info("network reachability changed")
		if err := observer.NetworkChanged(ctx, reachable); err != nil {
			logger.WithError(err).Warn("applying reachability change failed")
		}
	}

	check()
	timer := time.NewTimer(clientsync.JitteredInterval(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			check()
			timer.Reset(clientsync.JitteredInterval(interval, jitter, rng.Float64()))
		}
	}
}
