package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"}, zerolog.Nop())
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CompareAndSwap demonstrates create-only and indexed writes.
func ExampleSQLiteStore_CompareAndSwap() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"}, zerolog.Nop())
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	created, _ := store.CompareAndSwap(ctx, "manticore/waiting", []byte(`{"nextRank":0}`), 0)
	fmt.Println("created:", created)

	again, _ := store.CompareAndSwap(ctx, "manticore/waiting", []byte(`{}`), 0)
	fmt.Println("created again:", again)

	_, index, _ := store.GetIndexed(ctx, "manticore/waiting")
	updated, _ := store.CompareAndSwap(ctx, "manticore/waiting", []byte(`{"nextRank":1}`), index)
	fmt.Println("updated:", updated)

	// Output:
	// created: true
	// created again: false
	// updated: true
}
