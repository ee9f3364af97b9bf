package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"reward-decision-api/internal/models"
)

// CampaignLoader resolves the active campaign of a program from the source of
// truth.
type CampaignLoader interface {
	GetActiveCampaign(ctx context.Context, programID string) (*models.Campaign, error)
}

// cachedCampaign wraps the value so a program without a campaign is cached
// too.
type cachedCampaign struct {
	Campaign *models.Campaign `json:"campaign"`
}

// CampaignCache serves active campaigns from a Cache for ttl. A published
// version becomes visible to decisions at most ttl after publication unless
// Invalidate is called. Cache failures fall back to the loader.
type CampaignCache struct {
	cache  Cache
	loader CampaignLoader
	ttl    time.Duration
	logger logrus.FieldLogger
}

// NewCampaignCache wraps loader with cache.
func NewCampaignCache(cache Cache, loader CampaignLoader, ttl time.Duration, logger logrus.FieldLogger) *CampaignCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CampaignCache{cache: cache, loader: loader, ttl: ttl, logger: logger}
}

func campaignKey(programID string) string {
	return fmt.Sprintf("campaign:active:%s", programID)
}

// GetActiveCampaign implements the engine's campaign source.
func (c *CampaignCache) GetActiveCampaign(ctx context.Context, programID string) (*models.Campaign, error) {
	key := campaignKey(programID)

	var cached cachedCampaign
	err := GetJSON(ctx, c.cache, key, &cached)
	if err == nil {
		return cached.Campaign, nil
	}
	if !errors.Is(err, ErrNotFound) {
		c.logger.WithFields(logrus.Fields{
			"program_id": programID,
			"key":        key,
		}).WithError(err).Warn("campaign cache read failed")
	}

	campaign, err := c.loader.GetActiveCampaign(ctx, programID)
	if err != nil {
		return nil, err
	}

	if err := SetJSON(ctx, c.cache, key, cachedCampaign{Campaign: campaign}, c.ttl); err != nil {
		c.logger.WithFields(logrus.Fields{
			"program_id": programID,
			"key":        key,
		}).WithError(err).Warn("campaign cache write failed")
	}
	return campaign, nil
}

// Invalidate drops the cached campaign of a program.
func (c *CampaignCache) Invalidate(ctx context.Context, programID string) error {
	return c.cache.Delete(ctx, campaignKey(programID))
}
