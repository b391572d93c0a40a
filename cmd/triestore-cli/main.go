package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/ironforge/triestore/internal/archive"
	"github.com/ironforge/triestore/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "put":
		putCmd()
	case "get":
		getCmd()
	case "delete":
		deleteCmd()
	case "iterate":
		iterateCmd()
	case "root":
		rootCmd()
	case "gc":
		gcCmd()
	case "archive":
		archiveCmd()
	case "restore":
		restoreCmd()
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`triestore-cli - persistent radix trie storage engine

Usage:
  triestore-cli <command> [options]

Commands:
  put         Insert or replace a key's value
  get         Look up a key
  delete      Remove a key
  iterate     Walk keys in order, optionally by prefix
  root        Print the published root revision's object id
  gc          Run mark-and-sweep recovery against the object table
  archive     Upload a database directory to Azure Blob Storage
  restore     Download a previously archived database directory
  help        Show this help

Examples:
  triestore-cli put -dir ./data -key foo -value bar
  triestore-cli get -dir ./data -key foo
  triestore-cli iterate -dir ./data -prefix acc/
  triestore-cli archive -dir ./data -container snapshots`)
}

func openDB(dir string) *storage.Database {
	log := hclog.New(&hclog.LoggerOptions{Name: "triestore-cli", Level: hclog.Warn})
	db, err := storage.Open(dir, storage.DefaultConfig(), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", dir, err)
		os.Exit(1)
	}
	return db
}

func putCmd() {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	dir := fs.String("dir", "", "Database directory (required)")
	key := fs.String("key", "", "Key (required)")
	value := fs.String("value", "", "Value to store")
	fs.Parse(os.Args[2:])

	if *dir == "" || *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir and -key are required")
		os.Exit(1)
	}

	db := openDB(*dir)
	defer db.Close()

	ws := db.StartWriteSession()
	defer ws.Close()

	prevSize, err := ws.Upsert([]byte(*key), []byte(*value))
	if err != nil {
		fmt.Fprintf(os.Stderr, "put failed: %v\n", err)
		os.Exit(1)
	}
	ws.SetRootRevision()

	if prevSize >= 0 {
		fmt.Printf("replaced %s (previous value was %d bytes)\n", *key, prevSize)
	} else {
		fmt.Printf("inserted %s\n", *key)
	}
}

func getCmd() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dir := fs.String("dir", "", "Database directory (required)")
	key := fs.String("key", "", "Key (required)")
	fs.Parse(os.Args[2:])

	if *dir == "" || *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir and -key are required")
		os.Exit(1)
	}

	db := openDB(*dir)
	defer db.Close()

	rs := db.StartReadSession()
	defer rs.Close()

	value, ok := rs.Get([]byte(*key))
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: not found\n", *key)
		os.Exit(1)
	}
	fmt.Println(string(value))
}

func deleteCmd() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dir := fs.String("dir", "", "Database directory (required)")
	key := fs.String("key", "", "Key (required)")
	fs.Parse(os.Args[2:])

	if *dir == "" || *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir and -key are required")
		os.Exit(1)
	}

	db := openDB(*dir)
	defer db.Close()

	ws := db.StartWriteSession()
	defer ws.Close()

	prevSize, err := ws.Remove([]byte(*key))
	if err != nil {
		fmt.Fprintf(os.Stderr, "delete failed: %v\n", err)
		os.Exit(1)
	}
	ws.SetRootRevision()

	if prevSize < 0 {
		fmt.Fprintf(os.Stderr, "%s: not found\n", *key)
		os.Exit(1)
	}
	fmt.Printf("deleted %s (%d bytes)\n", *key, prevSize)
}

func iterateCmd() {
	fs := flag.NewFlagSet("iterate", flag.ExitOnError)
	dir := fs.String("dir", "", "Database directory (required)")
	prefix := fs.String("prefix", "", "Only visit keys starting with this prefix")
	limit := fs.Int("limit", 100, "Maximum number of keys to print")
	fs.Parse(os.Args[2:])

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir is required")
		os.Exit(1)
	}

	db := openDB(*dir)
	defer db.Close()

	rs := db.StartReadSession()
	defer rs.Close()

	var it *storage.Iterator
	if *prefix != "" {
		it = rs.LowerBound([]byte(*prefix))
	} else {
		it = rs.First()
	}

	count := 0
	for it.Valid() && count < *limit {
		key := it.Key()
		if *prefix != "" && !hasPrefixBytes(key, []byte(*prefix)) {
			break
		}
		fmt.Printf("%s = %s\n", key, it.Value())
		count++
		it.Next()
	}
	fmt.Printf("(%d key(s))\n", count)
}

func hasPrefixBytes(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func rootCmd() {
	fs := flag.NewFlagSet("root", flag.ExitOnError)
	dir := fs.String("dir", "", "Database directory (required)")
	fs.Parse(os.Args[2:])

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir is required")
		os.Exit(1)
	}

	db := openDB(*dir)
	defer db.Close()

	rs := db.StartReadSession()
	root := rs.Revision()
	rs.Close()
	fmt.Printf("revision: %d\n", uint64(root))
	fmt.Printf("instance: %s\n", db.InstanceID())
}

func gcCmd() {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	dir := fs.String("dir", "", "Database directory (required)")
	fs.Parse(os.Args[2:])

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir is required")
		os.Exit(1)
	}

	db := openDB(*dir)
	defer db.Close()

	ws := db.StartWriteSession()
	defer ws.Close()

	ws.StartCollectGarbage()
	ws.RecursiveRetain(ws.Revision())
	ws.EndCollectGarbage()

	fmt.Println("garbage collection complete")
}

func archiveCmd() {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	dir := fs.String("dir", "", "Database directory (required)")
	container := fs.String("container", "", "Azure Blob container name (required)")
	fs.Parse(os.Args[2:])

	if *dir == "" || *container == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir and -container are required")
		os.Exit(1)
	}

	client, err := newAzureClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build Azure client: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	id, err := archive.Upload(ctx, *dir, client, *container)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("archived %s as %s\n", *dir, id)
}

func restoreCmd() {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	destDir := fs.String("dir", "", "Destination directory (required)")
	container := fs.String("container", "", "Azure Blob container name (required)")
	id := fs.String("id", "", "Archive id to restore (required)")
	fs.Parse(os.Args[2:])

	if *destDir == "" || *container == "" || *id == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir, -container, and -id are required")
		os.Exit(1)
	}

	archiveID, err := uuid.Parse(*id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -id: %v\n", err)
		os.Exit(1)
	}

	client, err := newAzureClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build Azure client: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := archive.Restore(ctx, client, *container, archiveID, *destDir); err != nil {
		fmt.Fprintf(os.Stderr, "restore failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("restored %s into %s\n", *id, *destDir)
}

func newAzureClient() (*azblob.Client, error) {
	accountURL := os.Getenv("TRIESTORE_AZURE_ACCOUNT_URL")
	if accountURL == "" {
		return nil, fmt.Errorf("TRIESTORE_AZURE_ACCOUNT_URL must be set")
	}
	cred, err := azblob.NewSharedKeyCredential(os.Getenv("TRIESTORE_AZURE_ACCOUNT_NAME"), os.Getenv("TRIESTORE_AZURE_ACCOUNT_KEY"))
	if err != nil {
		return nil, err
	}
	return azblob.NewClientWithSharedKeyCredential(accountURL, cred, nil)
}
