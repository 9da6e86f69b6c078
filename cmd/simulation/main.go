// Simulation drives a full in-process trading session: orders placed through
// the service, fills and manual orders injected at the simulated broker, the
// reconciler and trackers converging the store, and the replicator draining
// everything into a throwaway database. It prints per-stage timings and a
// final consistency check.
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/ordersync-api/internal/database"
	"github.com/ksred/ordersync-api/internal/eventstore"
	"github.com/ksred/ordersync-api/internal/feed"
	"github.com/ksred/ordersync-api/internal/reconcile"
	"github.com/ksred/ordersync-api/internal/replication"
	"github.com/ksred/ordersync-api/internal/trading"
	"github.com/ksred/ordersync-api/internal/types"
)

const (
	numOrders       = 50
	numManualOrders = 5
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []string{"BUY", "SELL"}
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// stageStats tracks durations for one simulation stage.
type stageStats struct {
	name      string
	durations []time.Duration
	failures  int
}

func (s *stageStats) record(d time.Duration) {
	s.durations = append(s.durations, d)
}

func (s *stageStats) summarize() (min, max, mean, p95 time.Duration) {
	if len(s.durations) == 0 {
		return 0, 0, 0, 0
	}

	sort.Slice(s.durations, func(i, j int) bool {
		return s.durations[i] < s.durations[j]
	})

	min = s.durations[0]
	max = s.durations[len(s.durations)-1]

	var sum time.Duration
	for _, d := range s.durations {
		sum += d
	}
	mean = sum / time.Duration(len(s.durations))

	p95idx := int(math.Ceil(float64(len(s.durations))*0.95)) - 1
	p95 = s.durations[p95idx]
	return
}

func main() {
	tmpDir, err := os.MkdirTemp("", "ordersync-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create temp dir")
	}
	defer os.RemoveAll(tmpDir)

	db, err := database.NewDatabase(filepath.Join(tmpDir, "sim.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	store := eventstore.New()
	broker := feed.NewSimulatedBroker()
	defer broker.Close()

	replicator, err := replication.NewReplicator(store, db, "sim-worker")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize replicator")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go replicator.Start(ctx)

	reconciler := reconcile.NewReconciler(store, broker)
	if err := reconciler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start reconciler")
	}
	defer reconciler.Stop()

	executions := reconcile.NewExecutionTracker(store, broker)
	executions.Start()
	defer executions.Stop()

	positions := reconcile.NewPositionTracker(store, broker)
	if err := positions.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start position tracker")
	}
	defer positions.Stop()

	service := trading.NewService(store, broker)

	placeStats := &stageStats{name: "place order"}
	fillStats := &stageStats{name: "execute fill"}

	// Stage 1: place orders through the service.
	handles := make([]types.OrderHandle, 0, numOrders)
	for i := 0; i < numOrders; i++ {
		start := time.Now()
		handle, err := service.PlaceOrder(types.PlaceOrderRequest{
			Symbol:   symbols[rand.Intn(len(symbols))],
			Side:     sides[rand.Intn(len(sides))],
			Quantity: float64(rand.Intn(90) + 10),
		})
		if err != nil {
			placeStats.failures++
			log.Error().Err(err).Msg("place order failed")
			continue
		}
		placeStats.record(time.Since(start))
		handles = append(handles, handle)
	}

	// Stage 2: fill most of them at the broker, some partially.
	for _, handle := range handles {
		if rand.Float64() < 0.2 {
			continue // leave a few working
		}
		start := time.Now()
		qty := handle.Quantity
		if rand.Float64() < 0.3 {
			half := qty / 2
			if err := broker.Execute(handle.BrokerOrderID, randomPrice(), half); err != nil {
				fillStats.failures++
				continue
			}
			qty -= half
		}
		if err := broker.Execute(handle.BrokerOrderID, randomPrice(), qty); err != nil {
			fillStats.failures++
			continue
		}
		fillStats.record(time.Since(start))
	}

	// Stage 3: manual orders placed outside the API; the reconciler adopts
	// them from open-order events and the debounced resync.
	for i := 0; i < numManualOrders; i++ {
		broker.ManualOrder(
			feed.Contract{Symbol: symbols[rand.Intn(len(symbols))], SecType: "STK", Exchange: "SMART"},
			feed.Order{Action: "BUY", TotalQuantity: 10, OrderType: "LMT", LimitPrice: randomPrice(), TIF: "DAY"},
		)
	}

	if err := reconciler.ResyncNow(ctx); err != nil {
		log.Error().Err(err).Msg("resync failed")
	}

	// Let the replicator catch up, then stop its loop and flush what is left.
	// The loop must be fully stopped before draining here: two concurrent
	// drains would race on the replication cursor.
	time.Sleep(time.Second)
	cancel()
	replicator.Wait()
	for {
		applied, err := replicator.DrainOnce()
		if err != nil {
			log.Fatal().Err(err).Msg("final drain failed")
		}
		if applied == 0 {
			break
		}
	}

	printSummary(store, db, placeStats, fillStats)
}

func randomPrice() float64 {
	return 50 + rand.Float64()*450
}

// printSummary reports stage timings and checks the durable store mirrors
// the in-memory state.
func printSummary(store *eventstore.Store, db *gorm.DB, stats ...*stageStats) {
	fmt.Println("\n=== Simulation Summary ===")
	for _, s := range stats {
		min, max, mean, p95 := s.summarize()
		fmt.Printf("%-14s calls=%d failures=%d min=%v max=%v mean=%v p95=%v\n",
			s.name, len(s.durations), s.failures, min, max, mean, p95)
	}

	memOrders := len(store.ListOrders(0))
	logs := store.Logs(0, 0)

	var dbOrders, dbFills int64
	db.Model(&replication.Order{}).Count(&dbOrders)
	db.Model(&replication.Fill{}).Count(&dbFills)

	fmt.Printf("\nin-memory orders: %d, log entries: %d\n", memOrders, len(logs))
	fmt.Printf("durable orders:   %d, durable fills: %d\n", dbOrders, dbFills)

	if int64(memOrders) == dbOrders {
		fmt.Println("order counts converged")
	} else {
		fmt.Println("WARNING: durable order count does not match the store")
	}

	working := 0
	for _, rec := range store.ListOrders(0) {
		if rec.Status == types.StatusSubmitted || rec.Status == types.StatusPendingSubmit {
			working++
		}
	}
	fmt.Printf("working orders:   %d\n", working)
}
