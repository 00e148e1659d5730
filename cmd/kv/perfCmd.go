package kv

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dRange/cmd/util"
	"github.com/ValentinKolb/dRange/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dRange servers",
		Long:    "Runs a set of parallel benchmarks against one range. All keys are written below the __test prefix and deleted afterwards, so the range must contain that prefix.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfBatchSize        = 10
	perfSkip             = make([]string, 0)
)

// benchmark is one perf test. prepare runs before the timer starts, op is
// called for every iteration with a per goroutine counter.
type benchmark struct {
	name    string
	prepare bool
	op      func(keys *keySet, counter int) error
}

var benchmarks = []benchmark{
	{
		name: "set",
		op: func(keys *keySet, counter int) error {
			_, err := rangeClient.Set(keys.get(counter), []byte("test"))
			return err
		},
	},
	{
		name: "set-large",
		op: func(keys *keySet, counter int) error {
			_, err := rangeClient.Set(keys.get(counter), keys.large)
			return err
		},
	},
	{
		name:    "get",
		prepare: true,
		op: func(keys *keySet, counter int) error {
			_, _, err := rangeClient.Get(keys.get(counter))
			return err
		},
	},
	{
		name:    "delete",
		prepare: true,
		op: func(keys *keySet, counter int) error {
			return rangeClient.Delete(keys.get(counter))
		},
	},
	{
		name:    "scan",
		prepare: true,
		op: func(keys *keySet, _ int) error {
			_, err := rangeClient.Scan(keys.start(), keys.end(), uint64(perfBatchSize))
			return err
		},
	},
	{
		name: "batch-set",
		op: func(keys *keySet, counter int) error {
			batch, values := keys.batch(counter)
			_, err := rangeClient.BatchSet(batch, values)
			return err
		},
	},
	{
		name:    "mixed",
		prepare: true,
		op: func(keys *keySet, counter int) error {
			key := keys.get(counter)
			var err error
			switch counter % 4 {
			case 0: // set
				_, err = rangeClient.Set(key, []byte("test"))
			case 1: // get
				_, _, err = rangeClient.Get(key)
			case 2: // delete
				err = rangeClient.Delete(key)
			case 3: // scan
				_, err = rangeClient.Scan(key, keys.end(), 1)
			}
			return err
		},
	},
}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "batch-size"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Keys per batch-set and per scan"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfBatchSize = max(viper.GetInt("batch-size"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for dRange servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Range: %d\n", util.GetRangeID())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("staring tests...")

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	for _, bm := range benchmarks {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bm.name) {
				return
			}

			keys := newKeySet(bm.name)

			if bm.prepare {
				keys.each(func(k []byte) {
					if _, err := rangeClient.Set(k, []byte("test")); err != nil {
						log.Printf("(%s) - error setting key: %v\n", bm.name, err)
					}
				})
			}

			// cleanup
			b.Cleanup(func() {
				if err := rangeClient.RangeDelete(keys.start(), keys.end()); err != nil {
					log.Printf("(%s) - error deleting keys: %v\n", bm.name, err)
				}
			})

			b.SetParallelism(perfNumThreads)

			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					if err := bm.op(keys, counter); err != nil {
						log.Printf("(%s) - error: %v\n", bm.name, err)
					}
					counter++
				}
			})
		})

		results[bm.name] = result
		printResult(bm.name, result)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// keySet holds the test keys of one benchmark, all below perfKeyPrefix/name/
type keySet struct {
	prefix string
	keys   [][]byte
	large  []byte
}

func newKeySet(name string) *keySet {
	ks := &keySet{prefix: fmt.Sprintf("%s/%s/", perfKeyPrefix, name)}
	ks.keys = make([][]byte, perfKeySpread)
	for i := range ks.keys {
		ks.keys[i] = []byte(fmt.Sprintf("%s%06d", ks.prefix, i))
	}
	if name == "set-large" {
		ks.large = make([]byte, perfLargeValueSizeKB*1024)
	}
	return ks
}

// get returns a key by index (with wraparound)
func (ks *keySet) get(i int) []byte {
	return ks.keys[i%len(ks.keys)]
}

// batch returns perfBatchSize consecutive keys starting at i
func (ks *keySet) batch(i int) ([][]byte, [][]byte) {
	keys := make([][]byte, 0, perfBatchSize)
	values := make([][]byte, 0, perfBatchSize)
	seen := make(map[int]bool, perfBatchSize)
	for j := 0; j < perfBatchSize; j++ {
		idx := (i + j) % len(ks.keys)
		if seen[idx] {
			break
		}
		seen[idx] = true
		keys = append(keys, ks.keys[idx])
		values = append(values, []byte("test"))
	}
	return keys, values
}

func (ks *keySet) each(fn func([]byte)) {
	for _, k := range ks.keys {
		fn(k)
	}
}

func (ks *keySet) start() []byte { return []byte(ks.prefix) }

// end is the first key after every key of the set
func (ks *keySet) end() []byte {
	end := []byte(ks.prefix)
	end[len(end)-1]++
	return end
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"RangeID", "Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys Count", "BatchSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results in run order
	for _, bm := range benchmarks {
		result, ok := results[bm.name]
		if !ok {
			continue
		}

		var nsPerOp float64
		var opsPerSec float64
		skipped := "true"

		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			bm.name,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			strconv.FormatUint(util.GetRangeID(), 10),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
			strconv.Itoa(perfBatchSize),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", bm.name, err)
		}
	}

	return nil
}
