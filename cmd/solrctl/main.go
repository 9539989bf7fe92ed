// Command solrctl runs single solr operations against a static node list, a
// CLUSTERSTATUS seed or a SolrCloud cluster found through ZooKeeper.
//
// Usage:
//
//	solrctl -zk zk1:2181/solr -collection books search 'title:go'
//	solrctl -url http://localhost:8983/solr -collection core0 add docs.json
//	solrctl -config solr.yaml delete -q 'year:[* TO 1990]'
//	solrctl -config solr.yaml ping|commit|optimize|topology
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/django-haystack/pysolr"
	"github.com/django-haystack/pysolr/transport"
	log "github.com/sirupsen/logrus"
)

var errUsage = errors.New("usage: solrctl [flags] search|add|delete|commit|optimize|ping|topology [args]")

// options are the command line flags
type options struct {
	configPath string
	zkHost     string
	urls       string
	seeds      string
	collection string
	timeout    time.Duration
	commit     bool
	rows       int
	fields     string
	query      string
	verbose    bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "yaml configuration file")
	fs.StringVar(&o.zkHost, "zk", "", "zookeeper connect string, e.g. zk1:2181,zk2:2181/solr")
	fs.StringVar(&o.urls, "url", "", "comma separated solr base urls")
	fs.StringVar(&o.seeds, "seeds", "", "comma separated solr base urls polled for CLUSTERSTATUS")
	fs.StringVar(&o.collection, "collection", "", "collection or alias")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "overall timeout")
	fs.BoolVar(&o.commit, "commit", true, "commit after add and delete")
	fs.IntVar(&o.rows, "rows", 10, "rows returned by search")
	fs.StringVar(&o.fields, "fl", "", "fields returned by search")
	fs.StringVar(&o.query, "q", "", "delete query")
	fs.BoolVar(&o.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// buildConfig merges the config file with the flags, flags win
func buildConfig(o *options) (*pysolr.Config, error) {
	config := &pysolr.Config{}
	if o.configPath != "" {
		loaded, err := pysolr.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if o.zkHost != "" {
		config.ZKHost = o.zkHost
	}
	if o.urls != "" {
		config.URLs = splitList(o.urls)
	}
	if o.seeds != "" {
		config.Seeds = splitList(o.seeds)
	}
	if o.collection != "" {
		config.Collection = o.collection
	}
	return config, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// run executes one command and writes its json result to out
func run(ctx context.Context, client pysolr.Client, o *options, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	update := &pysolr.UpdateOptions{Commit: o.commit}

	switch args[0] {
	case "search":
		q := "*:*"
		if len(args) > 1 {
			q = args[1]
		}
		params := transport.Params{"rows": o.rows}
		if o.fields != "" {
			params["fl"] = o.fields
		}
		results, err := client.Search(ctx, "", q, params)
		if err != nil {
			return err
		}
		return enc.Encode(map[string]interface{}{
			"hits":  results.Hits,
			"docs":  results.Docs,
			"stale": results.Stale,
		})
	case "add":
		var r io.Reader = in
		if len(args) > 1 && args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		var docs []pysolr.Document
		if err := json.NewDecoder(r).Decode(&docs); err != nil {
			return fmt.Errorf("decode documents: %w", err)
		}
		if err := client.Add(ctx, "", docs, update); err != nil {
			return err
		}
		return enc.Encode(map[string]int{"added": len(docs)})
	case "delete":
		if err := client.Delete(ctx, "", args[1:], o.query, update); err != nil {
			return err
		}
		return enc.Encode(map[string]bool{"deleted": true})
	case "commit":
		if err := client.Commit(ctx, "", nil); err != nil {
			return err
		}
		return enc.Encode(map[string]bool{"committed": true})
	case "optimize":
		if err := client.Optimize(ctx, "", nil); err != nil {
			return err
		}
		return enc.Encode(map[string]bool{"optimized": true})
	case "ping":
		if err := client.Ping(ctx, ""); err != nil {
			return err
		}
		return enc.Encode(map[string]string{"status": "OK"})
	case "topology":
		return enc.Encode(client.Debug())
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

func main() {
	o, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if o.verbose {
		log.SetLevel(log.DebugLevel)
	}
	config, err := buildConfig(o)
	if err != nil {
		log.Fatalf("loading configuration failed: %s", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, o.timeout)
	defer cancelTimeout()

	client, err := pysolr.New(config)
	if err != nil {
		log.Fatalf("creating client failed: %s", err)
	}
	if err := client.Start(ctx); err != nil {
		log.Fatalf("reading the cluster topology failed: %s", err)
	}
	err = run(ctx, client, o, flag.Args(), os.Stdin, os.Stdout)
	_ = client.Close()
	if err != nil {
		log.Fatal(err)
	}
}
