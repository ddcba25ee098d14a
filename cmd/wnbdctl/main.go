package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wnbd-go/wnbd/internal/cleaner"
	"github.com/wnbd-go/wnbd/internal/config"
	"github.com/wnbd-go/wnbd/internal/ctrl"
	"github.com/wnbd-go/wnbd/internal/logging"
	"github.com/wnbd-go/wnbd/internal/model"
	"github.com/wnbd-go/wnbd/internal/registry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "version":
		version(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: wnbdctl <serve|version> [flags]\n")
}

// serve creates one device, starts the adapter's cleaner, and blocks
// until SIGINT/SIGTERM, then tears the device down. One wnbdctl process
// hosts exactly one device, create-and-serve-until-signal, backed by
// either an NBD server or a user-space dispatch process.
func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var (
		name            = fs.String("name", "", "instance name for the new device")
		sizeStr         = fs.String("size", "64M", "device size (e.g., 64M, 1G)")
		blockSize       = fs.Uint("block-size", 512, "logical block size in bytes")
		useNBD          = fs.Bool("nbd", false, "use an NBD back end instead of user-space dispatch")
		hostname        = fs.String("host", "", "NBD server hostname (required with -nbd)")
		port            = fs.Uint("port", 10809, "NBD server port")
		skipNegotiation = fs.Bool("skip-negotiation", false, "skip the NBD old-style handshake")
		readOnly        = fs.Bool("read-only", false, "mark the device read-only")
		verbose         = fs.Bool("v", false, "verbose output")
		configPath      = fs.String("config", "", "path to an INI file read on SIGHUP (ReloadConfig)")
		graceful        = fs.Bool("graceful-remove", false, "on shutdown, soft-remove (drain in-flight I/O) instead of hard-remove")
	)
	fs.Parse(args)

	size, err := parseSize(*sizeStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid size %q: %v\n", *sizeStr, err)
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	reg, err := registry.New()
	if err != nil {
		logger.Error("failed to open registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	cln := cleaner.New(reg, logger)
	go cln.Run()
	defer cln.Shutdown()

	cfg := config.New(*configPath)
	cfg.Reload()
	c := ctrl.New(reg, cln, cfg, logger, true)

	props := model.DeviceProperties{
		InstanceName:    *name,
		BlockSize:       uint32(*blockSize),
		BlockCount:      uint64(size) / uint64(*blockSize),
		ReadOnly:        *readOnly,
		UseNBD:          *useNBD,
		Hostname:        *hostname,
		Port:            uint16(*port),
		SkipNegotiation: *skipNegotiation,
	}

	info, cErr := c.Create(props)
	if cErr != nil {
		logger.Error("failed to create device", "error", cErr)
		os.Exit(1)
	}
	logger.Info("device created", "instance_name", info.Properties.InstanceName, "connection_id", info.ConnectionID, "size", formatSize(size))
	fmt.Printf("device created: %s (connection_id=%d)\n", info.Properties.InstanceName, info.ConnectionID)
	fmt.Printf("press Ctrl+C to stop...\n")

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	go func() {
		for range reloadCh {
			logger.Info("reloading config")
			c.ReloadConfig()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	// hard-remove by default; -graceful-remove lets in-flight I/O drain
	// before hard termination escalates.
	if rErr := c.Remove(info.Properties.InstanceName, !*graceful); rErr != nil {
		logger.Error("error removing device", "error", rErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	waitForEmpty(ctx, reg)
	logger.Info("device stopped")
}

func waitForEmpty(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if reg.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func version(args []string) {
	c := ctrl.New(nil, nil, nil, nil, false)
	v := c.Version()
	fmt.Printf("wnbdctl %d.%d.%d, %s\n", v.Major, v.Minor, v.Patch, v.Description)
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
