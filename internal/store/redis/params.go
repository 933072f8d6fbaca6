package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tickstream/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const paramKeyPrefix = "param:"

// ParamStore keeps named parameters as hashes "param:{name}" with fields
// "value" and "is_active".
type ParamStore struct {
	client *goredis.Client
}

var _ model.ParameterStore = (*ParamStore)(nil)

// NewParamStore wraps client.
func NewParamStore(client *goredis.Client) *ParamStore {
	return &ParamStore{client: client}
}

// GetParameter loads one parameter. found=false when the hash does not exist.
func (s *ParamStore) GetParameter(ctx context.Context, name string) (model.Parameter, bool, error) {
	fields, err := s.client.HGetAll(ctx, paramKeyPrefix+name).Result()
	if err != nil {
		return model.Parameter{}, false, fmt.Errorf("redis HGETALL %s%s: %w", paramKeyPrefix, name, err)
	}
	if len(fields) == 0 {
		return model.Parameter{}, false, nil
	}
	return model.Parameter{
		Name:     name,
		Value:    fields["value"],
		IsActive: parseActive(fields["is_active"]),
	}, true, nil
}

// SetParameter creates or replaces a parameter.
func (s *ParamStore) SetParameter(ctx context.Context, p model.Parameter) error {
	err := s.client.HSet(ctx, paramKeyPrefix+p.Name,
		"value", p.Value,
		"is_active", strconv.FormatBool(p.IsActive),
	).Err()
	if err != nil {
		return fmt.Errorf("redis HSET %s%s: %w", paramKeyPrefix, p.Name, err)
	}
	return nil
}

func parseActive(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
