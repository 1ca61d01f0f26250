package bindsel

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// KillListeners terminates every other process listening on port: SIGTERM
// first, SIGKILL for those still alive after grace. Every signal sent is
// logged. It returns the pids that were signalled.
func KillListeners(ctx context.Context, port int, grace time.Duration, logger *log.Logger) ([]int32, error) {
	if logger == nil {
		logger = log.Default()
	}
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	pids := listenerPIDs(conns, port, int32(os.Getpid()))
	if len(pids) == 0 {
		logger.Printf("bind: no process listening on port %d", port)
		return nil, nil
	}

	var killed []int32
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		logger.Printf("bind: sending SIGTERM to pid %d (%s) listening on port %d", pid, name, port)
		if err := p.TerminateWithContext(ctx); err != nil {
			logger.Printf("bind: terminate pid %d: %v", pid, err)
			continue
		}
		killed = append(killed, pid)
		if waitExit(ctx, p, grace) {
			continue
		}
		logger.Printf("bind: pid %d still running after %s, sending SIGKILL", pid, grace)
		if err := p.KillWithContext(ctx); err != nil {
			logger.Printf("bind: kill pid %d: %v", pid, err)
		}
	}
	return killed, nil
}

// listenerPIDs returns the distinct pids, other than self, with a socket in
// LISTEN state on port.
func listenerPIDs(conns []psnet.ConnectionStat, port int, self int32) []int32 {
	seen := map[int32]bool{}
	var out []int32
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) {
			continue
		}
		if c.Pid <= 0 || c.Pid == self || seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		out = append(out, c.Pid)
	}
	return out
}

func waitExit(ctx context.Context, p *process.Process, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
