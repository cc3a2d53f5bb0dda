// Manual soak check for the session and bridge layers: spins up several
// simulated engine nodes in-process, then pushes concurrent eval requests
// through the coordinator and reports how they spread and how long they took.
// Run by hand when touching session, registry or gate code.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kestrelworks/enginelink/internal/bridge"
	"github.com/kestrelworks/enginelink/internal/registry"
	"github.com/kestrelworks/enginelink/internal/session"
	"github.com/kestrelworks/enginelink/internal/wire"
)

const (
	numNodes      = 3  // Simulated engine nodes
	numConcurrent = 12 // Concurrent requests in the burst
	numBursts     = 5  // Bursts to run back to back
)

type TestResult struct {
	NodeID   string
	TaskNum  int
	Success  bool
	Duration time.Duration
	Error    error
}

func main() {
	log.Println("🧪 Multi-Node Session Soak")
	log.Println("==========================")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Phase 1: start simulated nodes and register them.
	log.Printf("\n📋 Phase 1: Starting %d simulated nodes...", numNodes)
	reg := registry.New(registry.Config{StaleTimeout: time.Minute, GracePeriod: time.Minute}, logger)
	nodeIDs := make([]string, numNodes)
	for i := 0; i < numNodes; i++ {
		id := fmt.Sprintf("soak-node-%d", i)
		addr, stop, err := startFakeNode(id)
		if err != nil {
			log.Fatalf("❌ Failed to start node %s: %v", id, err)
		}
		defer stop()
		reg.ObserveBeacon(wire.Beacon{NodeID: id, Address: addr, EngineVersion: "soak", Project: "Soak"})
		nodeIDs[i] = id
		log.Printf("  ✓ Node %s on %s", id, addr)
	}

	sessions := session.NewManager(session.Config{ClientID: "soak-client"}, &net.Dialer{}, reg, logger)
	reg.OnEvict(sessions.HandleEviction)
	coord := bridge.New(bridge.Config{
		MaxInflightPerNode: 4,
		MaxQueuedPerNode:   numConcurrent,
		RequestTimeout:     10 * time.Second,
	}, reg, sessions, nil, logger)
	defer coord.Close()

	// Phase 2: concurrent bursts, round-robin across nodes.
	log.Printf("\n📋 Phase 2: Running %d bursts of %d concurrent requests...", numBursts, numConcurrent)
	var results []TestResult
	for burst := 0; burst < numBursts; burst++ {
		results = append(results, runBurst(coord, nodeIDs, burst)...)
	}

	// Phase 3: analyze.
	log.Println("\n📋 Phase 3: Analyzing results...")
	analyzeResults(results)

	log.Println("\n🎉 Soak Complete!")
}

func runBurst(coord *bridge.Coordinator, nodeIDs []string, burst int) []TestResult {
	var results []TestResult
	var mu sync.Mutex
	var wg sync.WaitGroup

	ctx := context.Background()
	for i := 0; i < numConcurrent; i++ {
		wg.Add(1)
		go func(taskNum int) {
			defer wg.Done()

			nodeID := nodeIDs[taskNum%len(nodeIDs)]
			start := time.Now()
			res, err := coord.Execute(ctx, bridge.ExecuteRequest{
				NodeID:     nodeID,
				Mode:       wire.ModeEvalStatement,
				Code:       fmt.Sprintf("%d+%d", burst, taskNum),
				Unattended: true,
			})

			result := TestResult{
				NodeID:   nodeID,
				TaskNum:  burst*numConcurrent + taskNum,
				Duration: time.Since(start),
				Error:    err,
			}
			result.Success = err == nil && res.Status == wire.StatusOK

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	return results
}

func analyzeResults(results []TestResult) {
	var ok, failed int
	var total, max time.Duration
	distribution := make(map[string]int)

	for _, r := range results {
		if r.Success {
			ok++
		} else {
			failed++
			log.Printf("  ❌ Task %d on %s: %v", r.TaskNum, r.NodeID, r.Error)
		}
		distribution[r.NodeID]++
		total += r.Duration
		if r.Duration > max {
			max = r.Duration
		}
	}

	log.Printf("\n📊 Results: %d ok, %d failed", ok, failed)
	if len(results) > 0 {
		log.Printf("  Latency: avg %v, max %v", total/time.Duration(len(results)), max)
	}
	log.Println("  Distribution:")
	for nodeID, count := range distribution {
		log.Printf("    %s: %d requests", nodeID, count)
	}
}

// startFakeNode runs a minimal node on loopback: handshake, then eval echo.
func startFakeNode(nodeID string) (addr string, stop func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Printf("accept on %s: %v", nodeID, err)
				}
				return
			}
			go serveFakeNode(nodeID, conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }, nil
}

func serveFakeNode(nodeID string, conn net.Conn) {
	defer conn.Close()

	limits := wire.DefaultLimits()
	if _, err := wire.ReadMessage(conn, limits); err != nil {
		return
	}
	if err := wire.WriteMessage(conn, &wire.ConnectAck{NodeID: nodeID, Accepted: true}); err != nil {
		return
	}

	for {
		msg, err := wire.ReadMessage(conn, limits)
		if err != nil {
			return
		}
		req, ok := msg.(*wire.ExecRequest)
		if !ok {
			continue
		}
		out := &wire.ExecResult{
			CorrelationID: req.CorrelationID,
			Status:        wire.StatusOK,
			Value:         req.Code,
		}
		if err := wire.WriteMessage(conn, out); err != nil {
			return
		}
	}
}
