package engine_test

import (
	"fmt"

	"github.com/manticore/manticore/pkg/engine"
)

// Example_waitingQueue demonstrates queue reconciliation and positions.
func Example_waitingQueue() {
	w := engine.NewWaitingList()
	w, _ = engine.Enqueue(w, []string{"alice", "bob", "carol"})

	// bob's request was deleted.
	w, removed := engine.Reconcile([]string{"alice", "carol"}, w)
	fmt.Println("removed:", removed)

	next, _ := engine.NextInQueue(w)
	w = engine.MarkAdmitted(w, next)
	fmt.Println("admitted:", next)

	positions := engine.QueuePositions(w)
	fmt.Println("carol position:", positions["carol"])

	// Output:
	// removed: [bob]
	// admitted: alice
	// carol position: 1
}

// Example_updateWatches demonstrates diffing service watches.
func Example_updateWatches() {
	active := []string{"core-service-a", "hmi-service-a"}
	desired := []string{"core-service-a", "core-service-b"}

	engine.UpdateWatches(active, desired,
		func(name string) { fmt.Println("stop", name) },
		func(name string) { fmt.Println("start", name) },
	)

	// Output:
	// stop hmi-service-a
	// start core-service-b
}

// Example_connectionInfo demonstrates client addressing behind the proxy.
func Example_connectionInfo() {
	record := &engine.AllocationRecord{
		UserPort: 31001, BrokerPort: 31002, TCPPort: 21001,
		CoreAddress: "10.0.0.5", CorePort: 21000,
		HMIAddress: "10.0.0.7", HMIPort: 22000,
	}
	req := &engine.UserRequest{
		ID:                  "alice",
		UserToHMIPrefix:     "abcdef123456",
		HMIToCorePrefix:     "bcdef1234567",
		BrokerAddressPrefix: "cdef12345678",
		TCPPortExternal:     5001,
	}

	pair := engine.NewPair("alice", record, req)
	info := engine.Addressing{ProxyEnabled: true, Domain: "manticore.example", HTTPPort: 80}.ConnectionInfo(pair)

	fmt.Println(info.UserAddress)
	fmt.Println(info.TCPAddress)

	// Output:
	// abcdef123456.manticore.example:80
	// manticore.example:5001
}
