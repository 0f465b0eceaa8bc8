// Package bench implements the local benchmarking command of the hazel
// CLI: it drives a store with concurrent sessions and reports latency
// percentiles per operation type.
package bench

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hazeldb/hazel/cmd/util"
	"github.com/hazeldb/hazel/lib/device"
	"github.com/hazeldb/hazel/lib/store"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmark a local hazel store",
		Long:    "Runs a mixed read/upsert/rmw workload against an in-process store and prints latency percentiles.",
		RunE:    run,
		PreRunE: processBenchConfig,
	}

	benchThreads   = 8
	benchOps       = 100_000
	benchKeySpread = 10_000
	benchValueSize = 128
	benchReadCache = true
)

func init() {
	key := "threads"
	BenchCmd.Flags().Int(key, 8, util.WrapString("Number of concurrent sessions to use for the benchmark"))
	key = "ops"
	BenchCmd.Flags().Int(key, 100_000, util.WrapString("Number of operations per session"))
	key = "keys"
	BenchCmd.Flags().Int(key, 10_000, util.WrapString("How many different keys to use"))
	key = "value-size"
	BenchCmd.Flags().Int(key, 128, util.WrapString("Value size in bytes"))
	key = "read-cache"
	BenchCmd.Flags().Bool(key, true, util.WrapString("Whether to enable the read cache"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindFlags(cmd); err != nil {
		return err
	}
	benchThreads = viper.GetInt("threads")
	benchOps = viper.GetInt("ops")
	benchKeySpread = viper.GetInt("keys")
	benchValueSize = viper.GetInt("value-size")
	benchReadCache = viper.GetBool("read-cache")
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("hazel local benchmark")
	fmt.Printf("threads=%d ops=%d keys=%d value-size=%d read-cache=%v\n\n",
		benchThreads, benchOps, benchKeySpread, benchValueSize, benchReadCache)

	settings := store.DefaultSettings()
	if !benchReadCache {
		settings.ReadCache = nil
	}
	st := store.NewStore(settings, device.NewMemoryDevice())

	registry := gometrics.NewRegistry()
	readTimer := gometrics.NewRegisteredTimer("read", registry)
	upsertTimer := gometrics.NewRegisteredTimer("upsert", registry)
	rmwTimer := gometrics.NewRegisteredTimer("rmw", registry)

	value := make([]byte, benchValueSize)

	var wg sync.WaitGroup
	start := time.Now()
	for t := 0; t < benchThreads; t++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			sess, err := st.NewSession(fmt.Sprintf("bench-%d", worker), nil)
			if err != nil {
				fmt.Println("session setup failed:", err)
				return
			}
			defer sess.Close()

			rng := rand.New(rand.NewSource(int64(worker)))
			for i := 0; i < benchOps; i++ {
				key := fmt.Sprintf("key-%d", rng.Intn(benchKeySpread))
				switch rng.Intn(10) {
				case 0:
					began := time.Now()
					sess.RMW(key, []byte{byte(i)})
					rmwTimer.UpdateSince(began)
				case 1, 2, 3:
					began := time.Now()
					sess.Upsert(key, nil, value)
					upsertTimer.UpdateSince(began)
				default:
					began := time.Now()
					if s, _ := sess.Read(key, nil); s.Pending() {
						sess.CompletePending(true)
					}
					readTimer.UpdateSince(began)
				}
			}
			sess.CompletePending(true)
		}(t)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := int64(benchThreads) * int64(benchOps)
	fmt.Printf("completed %d ops in %s (%.0f ops/s)\n\n", total, elapsed, float64(total)/elapsed.Seconds())
	for _, name := range []string{"read", "upsert", "rmw"} {
		t := registry.Get(name).(gometrics.Timer)
		ps := t.Percentiles([]float64{0.5, 0.99})
		fmt.Printf("%-8s count=%-10d mean=%-12s p50=%-12s p99=%s\n",
			name, t.Count(),
			time.Duration(int64(t.Mean())),
			time.Duration(int64(ps[0])),
			time.Duration(int64(ps[1])))
	}

	info := st.GetInfo()
	fmt.Printf("\nlog tail=%d head=%d, read cache tail=%d, device records=%d\n",
		info.TailAddress, info.HeadAddress, info.ReadCacheTail, info.DeviceRecords)
	return nil
}
