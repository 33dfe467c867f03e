package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/keepsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   local database file path
//	-r string   remote kind: webdav or s3
//	-w string   WebDAV base URL
//	-i int      sync interval in seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-r", "-w", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "local database file path")
	remoteKind := fs.String("r", string(cfg.Remote), "remote kind (webdav or s3)")
	fs.StringVar(&cfg.WebDAV.BaseURL, "w", cfg.WebDAV.BaseURL, "WebDAV base URL")
	syncInterval := fs.Int("i", int(cfg.SyncInterval.Seconds()), "sync interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.Remote = RemoteKind(*remoteKind)
	cfg.SyncInterval = time.Duration(*syncInterval) * time.Second
}
