package main

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DatabaseStats represents the statistics for a single database
type DatabaseStats struct {
	Keys    int64
	Expires int64
	AvgTTL  int64 // in milliseconds, 0 if not present
}

// KeyspaceInfo represents the complete keyspace information
type KeyspaceInfo map[int]DatabaseStats

var dbRegex = regexp.MustCompile(`db(\d+):keys=(\d+),expires=(\d+)(?:,avg_ttl=(\d+))?`)

var diffCmd = &cobra.Command{
	Use:     "diff",
	Short:   "Compare the keyspace of two servers",
	Long:    `Compare INFO keyspace of a reference server with a system under test, for example a master and its slave. With --values every key of the reference is also read from both sides and compared. Exits non-zero when a difference is found.`,
	Example: `  kvserver diff --ref=localhost:6379 --sut=localhost:6380 --values`,
	PreRunE: bindFlags,
	RunE:    runDiff,
}

func init() {
	key := "ref"
	diffCmd.Flags().String(key, "", wrapString("Reference endpoint (host:port)"))

	key = "sut"
	diffCmd.Flags().String(key, "", wrapString("System under test endpoint (host:port)"))

	key = "values"
	diffCmd.Flags().Bool(key, false, wrapString("Also compare the value of every key of the reference"))

	key = "timeout"
	diffCmd.Flags().Duration(key, 5*time.Second, wrapString("Timeout of each request"))
}

func runDiff(cmd *cobra.Command, _ []string) error {
	refAddr, sutAddr := viper.GetString("ref"), viper.GetString("sut")
	if refAddr == "" || sutAddr == "" {
		return fmt.Errorf("both --ref and --sut are required")
	}
	timeout := viper.GetDuration("timeout")

	ref := newDiffClient(refAddr, timeout)
	defer ref.Close()
	sut := newDiffClient(sutAddr, timeout)
	defer sut.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Comparing keyspace information:\n")
	fmt.Fprintf(out, "  Reference: %s\n", refAddr)
	fmt.Fprintf(out, "  System:    %s\n\n", sutAddr)

	refInfo, err := getKeyspaceInfo(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to get keyspace info from reference %s: %w", refAddr, err)
	}
	sutInfo, err := getKeyspaceInfo(ctx, sut)
	if err != nil {
		return fmt.Errorf("failed to get keyspace info from system %s: %w", sutAddr, err)
	}

	differences := compareKeyspaceInfo(out, refInfo, sutInfo)

	if viper.GetBool("values") {
		n, err := compareValues(ctx, out, ref, sut)
		if err != nil {
			return err
		}
		differences += n
	}

	fmt.Fprintln(out)
	if differences > 0 {
		fmt.Fprintf(out, "FAILURE: %d critical differences found\n", differences)
		return fmt.Errorf("%d differences", differences)
	}
	fmt.Fprintln(out, "SUCCESS: No critical differences found")
	return nil
}

func newDiffClient(addr string, timeout time.Duration) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            addr,
		Protocol:        2,
		DisableIdentity: true,
		DialTimeout:     timeout,
		ReadTimeout:     timeout,
		WriteTimeout:    timeout,
		MaxRetries:      -1,
	})
}

// getKeyspaceInfo reads INFO keyspace from a server
func getKeyspaceInfo(ctx context.Context, c *redis.Client) (KeyspaceInfo, error) {
	info, err := c.Info(ctx, "keyspace").Result()
	if err != nil {
		return nil, err
	}
	return parseKeyspaceInfo(info), nil
}

// parseKeyspaceInfo extracts keyspace information from INFO response
func parseKeyspaceInfo(infoResponse string) KeyspaceInfo {
	keyspace := make(KeyspaceInfo)

	for _, line := range strings.Split(infoResponse, "\n") {
		matches := dbRegex.FindStringSubmatch(strings.TrimSpace(line))
		if matches == nil {
			continue
		}
		dbNum, _ := strconv.Atoi(matches[1])
		keys, _ := strconv.ParseInt(matches[2], 10, 64)
		expires, _ := strconv.ParseInt(matches[3], 10, 64)

		var avgTTL int64
		if matches[4] != "" {
			avgTTL, _ = strconv.ParseInt(matches[4], 10, 64)
		}

		keyspace[dbNum] = DatabaseStats{Keys: keys, Expires: expires, AvgTTL: avgTTL}
	}

	return keyspace
}

// compareKeyspaceInfo prints the per-database comparison and returns the
// number of critical differences. AvgTTL differences are reported only.
func compareKeyspaceInfo(out io.Writer, ref, sut KeyspaceInfo) int {
	allDBs := make(map[int]bool)
	for db := range ref {
		allDBs[db] = true
	}
	for db := range sut {
		allDBs[db] = true
	}

	dbNums := make([]int, 0, len(allDBs))
	for db := range allDBs {
		dbNums = append(dbNums, db)
	}
	sort.Ints(dbNums)

	fmt.Fprintln(out, "Database Comparison Results:")
	fmt.Fprintln(out, "============================")

	differences := 0
	for _, dbNum := range dbNums {
		refStats, refExists := ref[dbNum]
		sutStats, sutExists := sut[dbNum]

		fmt.Fprintf(out, "db%d:\n", dbNum)

		switch {
		case !refExists:
			fmt.Fprintf(out, "  Missing in REFERENCE, present in SYSTEM: keys=%d,expires=%d,avg_ttl=%d\n",
				sutStats.Keys, sutStats.Expires, sutStats.AvgTTL)
			differences++
		case !sutExists:
			fmt.Fprintf(out, "  Missing in SYSTEM, present in REFERENCE: keys=%d,expires=%d,avg_ttl=%d\n",
				refStats.Keys, refStats.Expires, refStats.AvgTTL)
			differences++
		default:
			if refStats.Keys != sutStats.Keys {
				fmt.Fprintf(out, "  Keys differ: REF=%d, SUT=%d\n", refStats.Keys, sutStats.Keys)
				differences++
			}
			if refStats.Expires != sutStats.Expires {
				fmt.Fprintf(out, "  Expires differ: REF=%d, SUT=%d\n", refStats.Expires, sutStats.Expires)
				differences++
			}
			if refStats.AvgTTL != sutStats.AvgTTL {
				fmt.Fprintf(out, "  AvgTTL differs: REF=%d, SUT=%d (may be acceptable)\n", refStats.AvgTTL, sutStats.AvgTTL)
			}
			if refStats.Keys == sutStats.Keys && refStats.Expires == sutStats.Expires {
				fmt.Fprintf(out, "  Match: keys=%d,expires=%d\n", refStats.Keys, refStats.Expires)
			}
		}
	}

	return differences
}

// compareValues reads every key of ref from both servers and reports the
// keys whose values differ
func compareValues(ctx context.Context, out io.Writer, ref, sut *redis.Client) (int, error) {
	keys, err := ref.Keys(ctx, "*").Result()
	if err != nil {
		return 0, fmt.Errorf("listing reference keys: %w", err)
	}
	sort.Strings(keys)

	fmt.Fprintf(out, "\nValue Comparison Results (%d keys):\n", len(keys))

	differences := 0
	for _, key := range keys {
		want, err := ref.Get(ctx, key).Result()
		if err == redis.Nil {
			// Expired between KEYS and GET
			continue
		}
		if err != nil {
			return differences, fmt.Errorf("reading %q from reference: %w", key, err)
		}

		got, err := sut.Get(ctx, key).Result()
		switch {
		case err == redis.Nil:
			fmt.Fprintf(out, "  %s: missing in SYSTEM\n", key)
			differences++
		case err != nil:
			return differences, fmt.Errorf("reading %q from system: %w", key, err)
		case got != want:
			fmt.Fprintf(out, "  %s: REF=%q, SUT=%q\n", key, want, got)
			differences++
		}
	}

	return differences, nil
}
