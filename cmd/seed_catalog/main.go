package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xelth-com/eckstocktake/internal/config"
	"github.com/xelth-com/eckstocktake/internal/database"
	"github.com/xelth-com/eckstocktake/internal/store"
)

func main() {
	path := flag.String("file", "catalog.xlsx", "catalog workbook with Products, RawMaterials and ProductTypes sheets")
	dryRun := flag.Bool("dry-run", false, "parse the workbook without writing")
	flag.Parse()

	fmt.Println("🌱 Stock-take Catalog Importer")

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("❌ Failed to open %s: %v", *path, err)
	}
	defer f.Close()

	wb, err := ReadWorkbook(f)
	if err != nil {
		log.Fatalf("❌ Failed to read workbook: %v", err)
	}
	fmt.Printf("📥 Read %d products, %d raw materials (%d batches), %d product types, %d rows skipped\n",
		len(wb.Products), len(wb.RawMaterials), len(wb.Batches), len(wb.ProductTypes), wb.Skipped)
	if *dryRun {
		return
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Connect to database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("✅ Connected to database")

	if err := db.Migrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	st, err := Import(context.Background(), store.NewGormStore(db.DB), wb)
	if err != nil {
		log.Fatalf("❌ Import failed after %+v: %v", st, err)
	}
	fmt.Printf("✅ Imported %d products, %d raw materials, %d batches, %d product types\n",
		st.Products, st.RawMaterials, st.Batches, st.ProductTypes)
}
