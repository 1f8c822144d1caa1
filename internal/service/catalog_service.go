package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/certexam-backend/internal/apperr"
	"github.com/stemsi/certexam-backend/internal/config"
	"github.com/stemsi/certexam-backend/internal/model"
	"github.com/stemsi/certexam-backend/internal/repository"
)

// CatalogSource reads templates and their questions from durable storage.
type CatalogSource interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*model.ExamTemplate, error)
	ListQuestionsByTemplate(ctx context.Context, templateID uuid.UUID) ([]model.Question, error)
}

// CatalogService serves template question pools from Redis, falling back to
// PostgreSQL on a miss and re-populating the cache.
type CatalogService struct {
	src CatalogSource
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(src CatalogSource, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *CatalogService {
	return &CatalogService{
		src: src,
		rdb: rdb,
		ttl: cfg.CatalogCacheTTL,
		log: log.With().Str("component", "catalog_service").Logger(),
	}
}

// GetPool returns the template with its full question catalog, answer keys included.
// Redis failures are logged and served from PostgreSQL.
func (s *CatalogService) GetPool(ctx context.Context, templateID uuid.UUID) (*model.TemplatePool, error) {
	key := config.CacheKey.TemplatePoolKey(templateID.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var pool model.TemplatePool
		if err := json.Unmarshal(data, &pool); err == nil {
			return &pool, nil
		}
		s.log.Warn().Str("template_id", templateID.String()).Msg("Corrupt pool cache entry, reloading")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("template_id", templateID.String()).Msg("Pool cache read failed, falling back to database")
	}

	return s.Warm(ctx, templateID)
}

// Warm loads a template's pool from PostgreSQL into Redis and returns it.
func (s *CatalogService) Warm(ctx context.Context, templateID uuid.UUID) (*model.TemplatePool, error) {
	tpl, err := s.src.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	questions, err := s.src.ListQuestionsByTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if questions == nil {
		questions = []model.Question{}
	}

	pool := &model.TemplatePool{Template: *tpl, Questions: questions}

	// An empty pool is not cached so questions generated later show up at once.
	if len(questions) == 0 {
		return pool, nil
	}

	payload, err := json.Marshal(pool)
	if err != nil {
		return nil, fmt.Errorf("marshal pool: %w", err)
	}
	key := config.CacheKey.TemplatePoolKey(templateID.String())
	if err := s.rdb.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("template_id", templateID.String()).Msg("Failed to cache pool")
	} else {
		s.log.Debug().
			Str("template_id", templateID.String()).
			Int("questions", len(questions)).
			Msg("Pool cached")
	}

	return pool, nil
}

// Invalidate drops a template's cached pool.
func (s *CatalogService) Invalidate(ctx context.Context, templateID uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.TemplatePoolKey(templateID.String())).Err()
}

// Refresh drops and reloads a template's pool, for operators who changed the
// catalog behind the cache. It returns the pool size.
func (s *CatalogService) Refresh(ctx context.Context, templateID uuid.UUID) (int, error) {
	if err := s.Invalidate(ctx, templateID); err != nil {
		s.log.Warn().Err(err).Str("template_id", templateID.String()).Msg("Failed to drop cached pool")
	}

	pool, err := s.Warm(ctx, templateID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return 0, apperr.NotFound("Exam template not found")
	case err != nil:
		return 0, apperr.Transient(err, "Storage temporarily unavailable")
	}

	s.log.Info().Str("template_id", templateID.String()).Int("questions", len(pool.Questions)).Msg("Pool refreshed")
	return len(pool.Questions), nil
}
