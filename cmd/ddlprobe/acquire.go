package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ignite/campaign-tracker/internal/attribution"
	"github.com/ignite/campaign-tracker/internal/config"
	"github.com/ignite/campaign-tracker/internal/deeplink"
	"github.com/ignite/campaign-tracker/internal/pkg/distlock"
	"github.com/ignite/campaign-tracker/internal/pkg/logger"
	"github.com/ignite/campaign-tracker/internal/tracking"
)

type acquireOptions struct {
	days    int
	tries   int
	timeout time.Duration
}

func newAcquireCommand(root *rootOptions) *cobra.Command {
	var opts acquireOptions

	cmd := &cobra.Command{
		Use:           "acquire",
		Short:         "Run one acquisition sequence and print the windowed campaign fields",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := config.LoadFromEnv(root.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			level := cfg.LogLevel
			if root.logLevel != "" {
				level = root.logLevel
			}
			logger.SetLevel(logger.ParseLevel(level))

			if cmd.Flags().Changed("tries") {
				cfg.Tracker.TryTimes = opts.tries
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Tracker.TimeoutSeconds = int(math.Ceil(opts.timeout.Seconds()))
			}
			if cmd.Flags().Changed("days") {
				cfg.DeepLinks.LookbackDays = opts.days
			}
			if cfg.Tracker.TryTimes <= 0 {
				return fmt.Errorf("%w: --tries must be positive", errUsage)
			}
			if cfg.DeepLinks.LookbackDays <= 0 {
				return fmt.Errorf("%w: --days must be positive", errUsage)
			}

			lock, closeLock, err := openLock(cfg.Lock)
			if err != nil {
				return err
			}
			defer closeLock()

			var extra []attribution.Option
			extra = append(extra, attribution.WithLock(lock))
			if cfg.Outcomes.SQSQueueURL != "" {
				pub, err := newOutcomePublisher(ctx, cfg.Outcomes.SQSQueueURL)
				if err != nil {
					return err
				}
				defer pub.Wait()
				extra = append(extra, attribution.WithOutcomeSink(pub))
			}

			return runAcquire(ctx, cfg, cmd.OutOrStdout(), extra...)
		},
	}

	cmd.Flags().IntVar(&opts.days, "days", 30, "Lookback window in days for the campaign fields")
	cmd.Flags().IntVar(&opts.tries, "tries", 5, "Maximum number of requests in the sequence")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", attribution.DefaultAttemptTimeout, "Per-request timeout")
	return cmd
}

// report is what acquire prints on stdout.
type report struct {
	Attributed   bool           `json:"attributed"`
	BackoffCount int            `json:"backoff_count"`
	AdClickTime  float64        `json:"ad_click_time"`
	Days         int            `json:"days"`
	CampaignID   *int64         `json:"campaign_id,omitempty"`
	CampaignName string         `json:"campaign_name,omitempty"`
	AdGroupID    *int64         `json:"ad_group_id,omitempty"`
	AdGroupName  string         `json:"ad_group_name,omitempty"`
	DeepLink     *deeplink.Link `json:"deep_link,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// runAcquire acquires attribution with cfg, writes a JSON report to out and
// returns the acquisition error, if any.
func runAcquire(ctx context.Context, cfg *config.Config, out io.Writer, opts ...attribution.Option) error {
	client, err := attribution.New(ctx, attribution.Config{
		DevToken:        cfg.Tracker.DevToken,
		LinkID:          cfg.Tracker.LinkID,
		Endpoint:        cfg.Tracker.Endpoint,
		AppVersion:      cfg.Tracker.AppVersion,
		OSVersion:       cfg.Tracker.OSVersion,
		SDKVersion:      cfg.Tracker.SDKVersion,
		IDType:          cfg.Tracker.IDType,
		BackoffSchedule: cfg.Tracker.BackoffSchedule,
	}, attribution.StaticIdentity{
		AdvertisingID:   cfg.Identity.AdvertisingID,
		LimitAdTracking: cfg.Identity.LimitAdTracking,
	}, opts...)
	if err != nil {
		return err
	}

	days := cfg.DeepLinks.LookbackDays
	rep := report{Days: days}

	var runErr error
	if cfg.DeepLinks.Enabled {
		task := &deeplink.Task{
			Tracker:      client,
			Resolver:     newResolver(cfg.DeepLinks),
			TryTimes:     cfg.Tracker.TryTimes,
			Timeout:      cfg.Tracker.Timeout(),
			LookbackDays: days,
		}
		link, err := task.Run(ctx)
		if err == nil {
			rep.DeepLink = &link
		}
		runErr = err
	} else {
		runErr = client.Acquire(ctx, cfg.Tracker.TryTimes, cfg.Tracker.Timeout())
	}

	rep.Attributed = client.IsAttributed()
	rep.BackoffCount = client.BackoffCount()
	rep.AdClickTime = client.AdClickTime()
	if id, ok := client.CampaignIDWithinDays(days); ok {
		rep.CampaignID = &id
	}
	rep.CampaignName, _ = client.CampaignNameWithinDays(days)
	if id, ok := client.AdGroupIDWithinDays(days); ok {
		rep.AdGroupID = &id
	}
	rep.AdGroupName, _ = client.AdGroupNameWithinDays(days)
	if runErr != nil {
		rep.Error = runErr.Error()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return runErr
}

func newResolver(cfg config.DeepLinksConfig) deeplink.Resolver {
	if cfg.ServiceURL != "" {
		return deeplink.NewHTTPResolver(cfg.ServiceURL, cfg.Timeout())
	}
	return deeplink.StaticResolver(cfg.Static)
}

// openLock builds the acquisition guard from the lock config. The returned
// func closes whatever backend connection was opened.
func openLock(cfg config.LockConfig) (distlock.DistLock, func(), error) {
	var (
		rdb *redis.Client
		db  *sql.DB
	)
	switch {
	case cfg.RedisAddr != "":
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	case cfg.PostgresDSN != "":
		var err error
		db, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
	}

	closeFn := func() {
		if rdb != nil {
			rdb.Close()
		}
		if db != nil {
			db.Close()
		}
	}
	return distlock.NewLock(rdb, db, cfg.Key, cfg.TTL()), closeFn, nil
}

func newOutcomePublisher(ctx context.Context, queueURL string) (*tracking.Publisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return tracking.NewPublisher(sqs.NewFromConfig(awsCfg), queueURL), nil
}
