package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"optionrelay/internal/config"
)

// Loader builds a Catalog from the instrument master REST endpoint, falling
// back to a local JSON snapshot when the endpoint is unreachable. After a
// successful download the snapshot is rewritten so the next cold start can
// survive an outage.
type Loader struct {
	http         *resty.Client
	snapshotFile string
	logger       *slog.Logger
}

// NewLoader creates a catalog loader.
func NewLoader(cfg config.CatalogConfig, logger *slog.Logger) *Loader {
	l := &Loader{
		snapshotFile: cfg.SnapshotFile,
		logger:       logger.With("component", "catalog"),
	}
	if cfg.BaseURL != "" {
		l.http = resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			})
	}
	return l
}

// Load fetches the instrument master and builds the chain index.
func (l *Loader) Load(ctx context.Context) (*Catalog, error) {
	if l.http != nil {
		records, err := l.fetchInstruments(ctx)
		if err == nil {
			l.logger.Info("instrument master downloaded", "instruments", len(records))
			l.writeSnapshot(records)
			return build(records), nil
		}
		l.logger.Warn("instrument download failed, trying snapshot", "error", err)
	}

	if l.snapshotFile != "" {
		records, err := l.readSnapshot()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
		l.logger.Info("instrument master loaded from snapshot",
			"file", l.snapshotFile,
			"instruments", len(records),
		)
		return build(records), nil
	}

	return nil, ErrCatalogUnavailable
}

func (l *Loader) fetchInstruments(ctx context.Context) ([]instrumentRecord, error) {
	var all []instrumentRecord
	offset := 0
	limit := 500

	for {
		var page []instrumentRecord
		resp, err := l.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
			}).
			SetResult(&page).
			Get("/instruments/options")
		if err != nil {
			return nil, fmt.Errorf("fetch instruments page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch instruments: status %d", resp.StatusCode())
		}

		all = append(all, page...)

		if len(page) < limit {
			break
		}
		offset += limit
	}

	return all, nil
}

func (l *Loader) readSnapshot() ([]instrumentRecord, error) {
	data, err := os.ReadFile(l.snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var records []instrumentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return records, nil
}

// writeSnapshot persists the downloaded master, tmp write + rename. Best
// effort: a failure is logged, not returned.
func (l *Loader) writeSnapshot(records []instrumentRecord) {
	if l.snapshotFile == "" {
		return
	}
	data, err := json.Marshal(records)
	if err != nil {
		l.logger.Warn("snapshot marshal failed", "error", err)
		return
	}
	tmp := l.snapshotFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.logger.Warn("snapshot write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, l.snapshotFile); err != nil {
		l.logger.Warn("snapshot rename failed", "error", err)
	}
}
