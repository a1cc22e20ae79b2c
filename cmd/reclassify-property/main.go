package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/renosync_backend/config"
	"bitbucket.org/mmdatafocus/renosync_backend/models"
	"gorm.io/gorm"
)

// Moves a property to an explicit phase, bypassing the sync resolver.
// The next sync may move it back if the source still disagrees.
func main() {
	uniqueId := flag.String("unique-id", "", "Required: property unique id")
	phase := flag.String("phase", "", "Required: target phase (e.g. InProgress)")
	dryRun := flag.Bool("dry-run", true, "Show record only (no writes)")
	confirm := flag.String("confirm", "", "Type RECLASSIFY to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*uniqueId) == "" || strings.TrimSpace(*phase) == "" {
		fmt.Fprintln(os.Stderr, "--unique-id and --phase are required")
		os.Exit(1)
	}
	target := models.PropertyPhase(strings.TrimSpace(*phase))
	if !target.IsValid() {
		fmt.Fprintf(os.Stderr, "invalid phase %q; valid phases:\n", *phase)
		for _, p := range models.AllPropertyPhases {
			fmt.Fprintf(os.Stderr, "  %s\n", p)
		}
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "RECLASSIFY" {
		fmt.Fprintln(os.Stderr, "set --confirm=RECLASSIFY to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var property models.Property
	if err := db.Where("unique_id = ?", strings.TrimSpace(*uniqueId)).Take(&property).Error; err != nil {
		fmt.Fprintf(os.Stderr, "property not found: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("id=%d unique_id=%s name=%q phase=%s raw_status=%q\n",
		property.ID, property.UniqueId, property.Name, property.Phase, property.RawStatus)

	if *dryRun {
		fmt.Printf("dry-run: would set phase to %s\n", target)
		return
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&models.Property{}).
			Where("id = ?", property.ID).
			Updates(map[string]interface{}{
				"phase":      target,
				"updated_at": time.Now().UTC(),
			}).Error
	}); err != nil {
		fmt.Fprintf(os.Stderr, "update failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("phase set: %s -> %s\n", property.Phase, target)
}
