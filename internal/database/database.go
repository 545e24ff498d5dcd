package database

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xelth-com/eckstocktake/internal/config"
	"github.com/xelth-com/eckstocktake/internal/models"
)

// embeddedPassword is only reachable from localhost
const embeddedPassword = "postgres"

// PalletIndex keeps one FP scan per session, batch and pallet. Scans without
// a pallet (RM and manual FP entries) are outside it.
const PalletIndex = "idx_scans_pallet"

const palletIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS ` + PalletIndex +
	` ON scans (session_id, batch_number, pallet_number) WHERE pallet_number <> ''`

// ErrDataDirInUse is returned when another live PostgreSQL owns the embedded data dir
var ErrDataDirInUse = errors.New("embedded data directory in use")

// DB wraps gorm.DB and includes a reference to an embedded process if active
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
}

// Connect opens the scans and catalog database, starting the embedded
// PostgreSQL first when cfg asks for it
func Connect(cfg config.DatabaseConfig) (*DB, error) {
	var embedded *embeddedpostgres.EmbeddedPostgres
	if cfg.Embedded() {
		var err error
		if embedded, err = startEmbedded(cfg); err != nil {
			return nil, err
		}
		cfg.Port = strconv.Itoa(int(cfg.EmbeddedPort))
		cfg.Password = embeddedPassword
		cfg.SSLMode = "disable"
	} else {
		log.Printf("🌐 Mode: [External PostgreSQL] - Connecting to %s:%s", cfg.Host, cfg.Port)
	}

	logLevel := logger.Warn
	if cfg.LogSQL {
		logLevel = logger.Info
	}
	db, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Scanners write in short bursts; a small pool is enough
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	log.Println("✅ Database connection established")
	return &DB{DB: db, embedded: embedded}, nil
}

// DSN builds the libpq connection string for cfg
func DSN(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC application_name=stocktake",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, sslMode,
	)
}

func startEmbedded(cfg config.DatabaseConfig) (*embeddedpostgres.EmbeddedPostgres, error) {
	log.Printf("📦 Mode: [Embedded PostgreSQL] - data in %s, port %d", cfg.EmbeddedDir, cfg.EmbeddedPort)

	if err := clearStalePidFile(cfg.EmbeddedDir); err != nil {
		return nil, err
	}
	if portInUse(cfg.EmbeddedPort) {
		return nil, fmt.Errorf("embedded PostgreSQL port %d is already taken", cfg.EmbeddedPort)
	}

	embedded := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		DataPath(cfg.EmbeddedDir).
		Port(cfg.EmbeddedPort).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(embeddedPassword))
	if err := embedded.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded database: %w", err)
	}
	log.Printf("✅ Embedded PostgreSQL started on port %d", cfg.EmbeddedPort)
	return embedded, nil
}

// clearStalePidFile removes a postmaster.pid left behind by a crash. A pid
// file whose process is still alive is reported, never killed: it may be
// another stock-take instance sharing the directory.
func clearStalePidFile(dataDir string) error {
	pidFile := filepath.Join(dataDir, "postmaster.pid")
	f, err := os.Open(pidFile)
	if err != nil {
		return nil
	}
	sc := bufio.NewScanner(f)
	var line string
	if sc.Scan() {
		line = strings.TrimSpace(sc.Text())
	}
	f.Close()

	pid, err := strconv.Atoi(line)
	if err == nil && pid > 0 && processAlive(pid) {
		return fmt.Errorf("%w: %s is owned by PID %d", ErrDataDirInUse, dataDir, pid)
	}
	log.Printf("🧹 Removing stale %s", pidFile)
	if err := os.Remove(pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale pid file: %w", err)
	}
	return nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func portInUse(port uint32) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Close ensures the database connection and embedded process are shut down
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if db.embedded != nil {
		log.Println("🛑 Stopping Embedded PostgreSQL process...")
		if stopErr := db.embedded.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}

// Migrate creates or updates the scans, catalog and session tables, then
// makes sure the partial pallet index exists in its partial form
func (db *DB) Migrate() error {
	if err := db.DB.AutoMigrate(
		&models.Session{},
		&models.SessionDevice{},
		&models.ScanRecord{},
		&models.Product{},
		&models.RawMaterial{},
		&models.RawMaterialBatch{},
		&models.ProductType{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return db.ensurePalletIndex()
}

func (db *DB) ensurePalletIndex() error {
	var def string
	err := db.DB.Raw(`SELECT indexdef FROM pg_indexes WHERE tablename = 'scans' AND indexname = ?`, PalletIndex).
		Scan(&def).Error
	if err != nil {
		return fmt.Errorf("inspect %s: %w", PalletIndex, err)
	}
	if def != "" && !PalletIndexIsPartial(def) {
		log.Printf("🔧 Rebuilding %s as a partial unique index", PalletIndex)
		if err := db.DB.Exec(`DROP INDEX IF EXISTS ` + PalletIndex).Error; err != nil {
			return fmt.Errorf("drop %s: %w", PalletIndex, err)
		}
		def = ""
	}
	if def == "" {
		if err := db.DB.Exec(palletIndexSQL).Error; err != nil {
			return fmt.Errorf("create %s: %w", PalletIndex, err)
		}
		log.Printf("✅ Created %s", PalletIndex)
	}
	return nil
}

// PalletIndexIsPartial reports whether an index definition from pg_indexes
// is the unique pallet index restricted to rows with a pallet number
func PalletIndexIsPartial(def string) bool {
	d := strings.ToLower(def)
	where := strings.Index(d, " where ")
	return strings.HasPrefix(d, "create unique index") &&
		strings.Contains(d, "(session_id, batch_number, pallet_number)") &&
		where >= 0 && strings.Contains(d[where:], "pallet_number")
}
