// Package testing provides standardised tests and benchmarks for
// storage engines that satisfy the storage.Engine interface.
//
// The package contains:
//   - engine_testing: the conformance suite (point operations, batches,
//     ordered and snapshot consistent iteration, truncation, snapshot loading)
//   - engine_benchmarks: throughput of common engine operations
//
// Example usage:
//
//	factory := func(t testing.TB) storage.Engine {
//		return NewMyEngine()
//	}
//
//	storagetesting.RunEngineTests(t, "MyEngine", factory)
//	storagetesting.RunEngineBenchmarks(b, "MyEngine", factory)
package testing
