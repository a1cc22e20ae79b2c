package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/renosync_backend/config"
	"bitbucket.org/mmdatafocus/renosync_backend/models"
	"bitbucket.org/mmdatafocus/renosync_backend/renosync"
)

// Assigns budget indexes to cost categories that never got one, either
// for a single property or across every in-progress property with
// documents. Already-indexed rows are left untouched, so re-running is
// safe.
func main() {
	uniqueId := flag.String("unique-id", "", "Optional: limit to one property")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	reconciler := renosync.NewReconciler(renosync.NewStore(db), config.GetLogger())

	if strings.TrimSpace(*uniqueId) != "" {
		property, err := models.GetPropertyByUniqueId(ctx, strings.TrimSpace(*uniqueId))
		if err != nil {
			fmt.Fprintf(os.Stderr, "load property: %v\n", err)
			os.Exit(1)
		}
		if property == nil {
			fmt.Fprintln(os.Stderr, "property not found")
			os.Exit(1)
		}
		assigned, err := reconciler.ReconcileProperty(ctx, *property)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("property=%s assigned=%d\n", property.UniqueId, assigned)
		return
	}

	result, err := reconciler.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("properties=%d assigned=%d failed=%d\n", result.Properties, result.Assigned, result.Failed)
}
