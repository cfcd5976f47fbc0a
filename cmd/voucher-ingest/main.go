package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/flashkart/internal/domain/voucher"
	"github.com/xenking/flashkart/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 10_000_000
	batchSize     = 5_000
	minCodeLen    = 4
	maxCodeLen    = 64
)

type options struct {
	dataDir     string
	databaseURL string
	shards      int
	quorum      int
	capacity    uint
	validFor    time.Duration
	template    voucher.Voucher
}

func main() {
	var (
		opts                         options
		typ, scope, amount, minOrder string
		maxDiscount, targets         string
	)

	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing voucherbaseN.gz shards")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.shards, "shards", 3, "number of shards to read")
	flag.IntVar(&opts.quorum, "quorum", 2, "shards a code must appear in to be issued")
	flag.UintVar(&opts.capacity, "capacity", 120_000_000, "expected codes per shard, sizes the bloom filters")
	flag.DurationVar(&opts.validFor, "valid-for", 30*24*time.Hour, "validity window starting now; 0 leaves it open")
	flag.StringVar(&typ, "type", string(voucher.TypePercent), "PERCENT or FIXED_AMOUNT")
	flag.StringVar(&scope, "scope", string(voucher.ScopeOrder), "ORDER, PRODUCT or CATEGORY")
	flag.StringVar(&amount, "amount", "10", "percentage or fixed amount")
	flag.StringVar(&minOrder, "min-order", "0", "minimum merchandise subtotal")
	flag.StringVar(&maxDiscount, "max-discount", "0", "cap per application; 0 is uncapped")
	flag.StringVar(&targets, "targets", "", "comma separated product or category ids for scoped vouchers")
	flag.IntVar(&opts.template.UsageLimit, "usage-limit", 1, "total redemptions per code; 0 is unlimited")
	flag.BoolVar(&opts.template.SingleUse, "single-use", true, "one redemption per user")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	if err := opts.buildTemplate(typ, scope, amount, minOrder, maxDiscount, targets); err != nil {
		slog.Error("invalid voucher template", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if opts.shards < 1 || opts.shards > bits.UintSize || opts.quorum < 1 || opts.quorum > opts.shards {
		slog.Error("quorum must be between 1 and the number of shards",
			slog.Int("shards", opts.shards),
			slog.Int("quorum", opts.quorum),
		)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("voucher ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("voucher ingest completed successfully")
}

func (o *options) buildTemplate(typ, scope, amount, minOrder, maxDiscount, targets string) error {
	t := &o.template
	t.Type = voucher.Type(strings.ToUpper(typ))
	t.Scope = voucher.Scope(strings.ToUpper(scope))
	t.Active = true

	switch t.Type {
	case voucher.TypePercent, voucher.TypeFixedAmount:
	default:
		return errors.Errorf("unknown type %q", typ)
	}

	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil || !t.Amount.IsPositive() {
		return errors.Errorf("amount %q must be a positive number", amount)
	}
	if t.Type == voucher.TypePercent && t.Amount.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("percentage above 100")
	}
	if t.MinOrderValue, err = decimal.NewFromString(minOrder); err != nil {
		return errors.Wrap(err, "min order")
	}
	if t.MaxDiscount, err = decimal.NewFromString(maxDiscount); err != nil {
		return errors.Wrap(err, "max discount")
	}

	for id := range strings.SplitSeq(targets, ",") {
		if id = strings.TrimSpace(id); id != "" {
			t.TargetIDs = append(t.TargetIDs, id)
		}
	}
	switch t.Scope {
	case voucher.ScopeOrder:
		t.TargetIDs = nil
	case voucher.ScopeProduct, voucher.ScopeCategory:
		if len(t.TargetIDs) == 0 {
			return errors.Errorf("scope %s needs --targets", t.Scope)
		}
	default:
		return errors.Errorf("unknown scope %q", scope)
	}

	if o.validFor > 0 {
		from := time.Now().UTC()
		until := from.Add(o.validFor)
		t.ValidFrom, t.ValidUntil = &from, &until
	}
	return nil
}

func run(ctx context.Context, opts options) error {
	files := make([]string, opts.shards)
	for i := range opts.shards {
		files[i] = filepath.Join(opts.dataDir, fmt.Sprintf("voucherbase%d.gz", i+1))
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	// Pass 1: one bloom filter per shard.
	slog.Info("pass 1: building bloom filters", slog.Int("shards", opts.shards))

	filters, err := buildBloomFilters(ctx, files, opts.capacity)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: exact shard membership for codes the filters flag as shared.
	slog.Info("pass 2: finding quorum codes", slog.Int("quorum", opts.quorum))

	codes, err := findQuorumCodes(ctx, files, filters, opts.quorum)
	if err != nil {
		return errors.Wrap(err, "find quorum codes")
	}

	slog.Info("quorum codes found", slog.Int("count", len(codes)))

	if len(codes) == 0 {
		slog.Info("no vouchers to import")
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	store := postgres.NewVoucherStore(postgres.NewDB(pool))
	if err := importVouchers(ctx, store, codes, opts.template); err != nil {
		return errors.Wrap(err, "import vouchers")
	}

	return nil
}

func buildBloomFilters(ctx context.Context, files []string, capacity uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(capacity, bloomFPR)
			var count uint64

			if err := streamGzFile(ctx, path, func(code string) {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.Int("shard", i+1), slog.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for shard %d", i+1)
			}

			slog.Info("pass 1 complete", slog.Int("shard", i+1), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findQuorumCodes re-streams each shard, keeping codes that at least
// quorum-1 other filters claim to hold, then confirms membership exactly by
// merging the per-shard bitmasks. A single shard's own sighting is always
// exact, so bloom false positives never reach the result.
func findQuorumCodes(ctx context.Context, files []string, filters []*bloom.BloomFilter, quorum int) ([]string, error) {
	found := make([]map[string]uint, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			seen := make(map[string]uint)
			bit := uint(1) << uint(i)
			var count uint64

			if err := streamGzFile(ctx, path, func(code string) {
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 2 progress", slog.Int("shard", i+1), slog.Uint64("codes", count))
				}

				hits := 1
				for j, f := range filters {
					if j != i && f.TestString(code) {
						hits++
					}
				}
				if hits >= quorum {
					seen[code] |= bit
				}
			}); err != nil {
				return errors.Wrapf(err, "scan shard %d", i+1)
			}

			slog.Info("pass 2 complete",
				slog.Int("shard", i+1),
				slog.Uint64("total_codes", count),
				slog.Int("candidates", len(seen)),
			)
			found[i] = seen
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, seen := range found {
		for code, mask := range seen {
			merged[code] |= mask
		}
	}

	var codes []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= quorum {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	return codes, nil
}

// streamGzFile calls fn with every normalized code of a gzip shard. Lines
// outside the code length bounds are skipped.
func streamGzFile(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := voucher.NormalizeCode(scanner.Text())
		if len(code) < minCodeLen || len(code) > maxCodeLen {
			continue
		}
		fn(code)
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// importVouchers copies codes in batches. Codes already present are kept as
// they are, so re-running an ingest never resets usage.
func importVouchers(ctx context.Context, store *postgres.VoucherStore, codes []string, tmpl voucher.Voucher) error {
	slog.Info("importing vouchers", slog.Int("count", len(codes)))

	var added int64
	for chunk := range slices.Chunk(codes, batchSize) {
		batch := make([]voucher.Voucher, len(chunk))
		for i, code := range chunk {
			v := tmpl
			v.ID = uuid.NewString()
			v.Code = code
			batch[i] = v
		}

		n, err := store.Import(ctx, batch)
		if err != nil {
			return err
		}
		added += n

		slog.Info("import progress",
			slog.Int64("added", added),
			slog.Int("total", len(codes)),
		)
	}

	slog.Info("import complete",
		slog.Int64("added", added),
		slog.Int64("existing", int64(len(codes))-added),
	)
	return nil
}
