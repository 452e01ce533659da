// Command ejdbcli is a small command-line front end for an ejdb
// database directory: put/get/remove documents, run find queries, manage
// indexes, and export/import the whole database as a single stream.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/softmotions/ejdb"
	"github.com/softmotions/ejdb/bson"
	"github.com/softmotions/ejdb/internal/index"
)

var dbDir string

var rootCmd = &cobra.Command{
	Use:   "ejdbcli",
	Short: "Inspect and manipulate an ejdb database directory",
}

func openDB() (*ejdb.Database, error) {
	return ejdb.Open(dbDir, ejdb.Options{})
}

func jsonToDocument(raw []byte) (*bson.Document, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return bson.M(m).ToDocument()
}

var putCmd = &cobra.Command{
	Use:   "put <collection> <json-doc>",
	Short: "Insert or overwrite a document from a JSON argument",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		c, err := db.Collection(args[0], ejdb.CollectionOptions{})
		if err != nil {
			return err
		}
		doc, err := jsonToDocument([]byte(args[1]))
		if err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
		id, err := c.Save(doc)
		if err != nil {
			return err
		}
		fmt.Println(id.Hex())
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Fetch a document by its object id and print it as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		c, err := db.Collection(args[0], ejdb.CollectionOptions{})
		if err != nil {
			return err
		}
		id, err := bson.OIDFromHex(args[1])
		if err != nil {
			return fmt.Errorf("parse id: %w", err)
		}
		doc, err := c.Load(id)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(bson.ToM(doc), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <collection> <id>",
	Short: "Remove a document by its object id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		c, err := db.Collection(args[0], ejdb.CollectionOptions{})
		if err != nil {
			return err
		}
		id, err := bson.OIDFromHex(args[1])
		if err != nil {
			return fmt.Errorf("parse id: %w", err)
		}
		return c.Remove(id)
	},
}

var findCmd = &cobra.Command{
	Use:   "find <collection> <json-query>",
	Short: "Run a find query and print every matching document as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		c, err := db.Collection(args[0], ejdb.CollectionOptions{})
		if err != nil {
			return err
		}
		qdoc, err := jsonToDocument([]byte(args[1]))
		if err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
		q, err := c.CreateQuery(qdoc)
		if err != nil {
			return err
		}
		matches, err := c.Execute(q)
		if err != nil {
			return err
		}
		docs, err := c.Project(q, matches)
		if err != nil {
			return err
		}
		for _, d := range docs {
			data, err := json.Marshal(bson.ToM(d))
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		}
		fmt.Fprintf(os.Stderr, "%d matched\n", len(matches))
		return nil
	},
}

var distinctCmd = &cobra.Command{
	Use:   "distinct <collection> <field> <json-query>",
	Short: "Print the distinct values of a field across every matching document",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		c, err := db.Collection(args[0], ejdb.CollectionOptions{})
		if err != nil {
			return err
		}
		qdoc, err := jsonToDocument([]byte(args[2]))
		if err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
		q, err := c.CreateQuery(qdoc)
		if err != nil {
			return err
		}
		vals, err := c.Distinct(args[1], q)
		if err != nil {
			return err
		}
		for _, v := range vals {
			data, err := json.Marshal(bson.ToNative(v))
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		}
		return nil
	},
}

var ensureIndexCmd = &cobra.Command{
	Use:   "ensure-index <collection> <field> <kind>",
	Short: "Declare and backfill an index (kind: string, istring, number, array)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		c, err := db.Collection(args[0], ejdb.CollectionOptions{})
		if err != nil {
			return err
		}
		var kind index.Kind
		switch args[2] {
		case "string":
			kind = index.KindStringLex
		case "istring":
			kind = index.KindIStringLex
		case "number":
			kind = index.KindNumber
		case "array":
			kind = index.KindArrayToken
		default:
			return fmt.Errorf("unknown index kind %q", args[2])
		}
		return c.EnsureIndex(args[1], kind, false)
	},
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show a human-readable size summary for every collection file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := os.ReadDir(dbDir)
		if err != nil {
			return err
		}
		var total uint64
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			total += uint64(info.Size())
			fmt.Printf("%-40s %s\n", e.Name(), humanize.Bytes(uint64(info.Size())))
		}
		fmt.Printf("%-40s %s\n", "TOTAL", humanize.Bytes(total))
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Dump every collection's documents into a single stream file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		return db.Export(f)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore documents from a stream produced by export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		return db.Import(f)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbDir, "db", "./data", "database directory")
	rootCmd.AddCommand(putCmd, getCmd, rmCmd, findCmd, distinctCmd, ensureIndexCmd, statCmd, exportCmd, importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
