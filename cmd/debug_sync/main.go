package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"school-integration/internal/common/models"
	"school-integration/internal/config"
	"school-integration/internal/database"
	"school-integration/internal/features/synctask"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Prints the queue and recent history of one system.
func main() {
	systemID := flag.String("system", "", "system id")
	module := flag.String("module", "", "limit to one module")
	limit := flag.Int64("limit", 10, "rows to print")
	flag.Parse()

	oid, err := primitive.ObjectIDFromHex(*systemID)
	if err != nil {
		log.Fatalf("-system must be an object id: %v", err)
	}

	cfg, _ := config.LoadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Disconnect(ctx)

	db := &database.MongodbDB{DB: client.Database(cfg.DBName)}
	tasks := synctask.NewTaskRepository(db)
	history := synctask.NewHistoryRepository(db)
	mod := models.Module(*module)

	// 1. Queue counts
	fmt.Println("--- Queue ---")
	counts, err := tasks.CountByStatus(ctx, oid, mod)
	if err != nil {
		log.Fatal(err)
	}
	for _, st := range []synctask.Status{synctask.StatusPending, synctask.StatusInProgress, synctask.StatusCompleted, synctask.StatusFailed} {
		fmt.Printf("%-12s %d\n", st, counts[st])
	}

	// 2. Failed tasks
	fmt.Println("\n--- Failed tasks ---")
	failed, err := tasks.ListBySystem(ctx, oid, synctask.StatusFailed, *limit)
	if err != nil {
		log.Fatal(err)
	}
	for _, t := range failed {
		if mod != "" && t.Module != mod {
			continue
		}
		fmt.Printf("ID: %s, %s/%s, Attempts: %d/%d, Error: %s\n",
			t.ID.Hex(), t.Module, t.Operation, t.Attempts, t.MaxAttempts, t.LastError)
	}

	// 3. Recent history
	fmt.Println("\n--- History ---")
	rows, err := history.List(ctx, oid, mod, *limit)
	if err != nil {
		log.Fatal(err)
	}
	for _, h := range rows {
		fmt.Printf("%s %s %s/%s %s processed=%d ok=%d failed=%d (%dms)\n",
			h.FinishedAt.Format(time.RFC3339), h.TaskID.Hex(), h.Module, h.Operation, h.Status,
			h.RecordsProcessed, h.RecordsSucceeded, h.RecordsFailed, h.DurationMs)
		for _, d := range h.ErrorDetails {
			fmt.Printf("    %s\n", d)
		}
	}
}
