package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound = "not_found"
	rotateStatusCorrupt  = "corrupt"
	rotateStatusExpired  = "expired"
	rotateStatusRevoked  = "revoked"
	rotateStatusReused   = "reused"
	rotateStatusRotated  = "rotated"
)

// rotateScript performs the whole redeem step server-side so that two
// concurrent redemptions of the same token cannot both win: the status
// check and the transition happen inside one script execution.
//
// KEYS[1] = parent record key
// ARGV    = prefix, now_unix, child_hash_hex, child_id, child_iat,
//           child_exp, child_ttl_ms
//
// Returns {status, ...}; for "reused" the tail carries the replayed
// record's identity plus the number of family records revoked.
const rotateScript = `
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local child_hash = ARGV[3]
local child_id = ARGV[4]
local child_iat = ARGV[5]
local child_exp = ARGV[6]
local child_ttl = tonumber(ARGV[7])

local rec = redis.call("HGETALL", KEYS[1])
if #rec == 0 then
  return {"not_found"}
end

local f = {}
for i = 1, #rec, 2 do
  f[rec[i]] = rec[i + 1]
end
if not f.id or not f.fam or not f.uid or not f.status or not f.exp then
  return {"corrupt"}
end

if f.status == "revoked" then
  return {"revoked"}
end

local fam_key = prefix .. ":f:" .. f.fam

if f.status == "rotated" then
  local members = redis.call("SMEMBERS", fam_key)
  local revoked = 0
  for _, h in ipairs(members) do
    local k = prefix .. ":r:" .. h
    local st = redis.call("HGET", k, "status")
    if st and st ~= "revoked" then
      redis.call("HSET", k, "status", "revoked")
      revoked = revoked + 1
    end
  end
  return {"reused", f.uid, f.fam, f.id, f.dev or "", revoked}
end

if tonumber(f.exp) <= now then
  return {"expired"}
end

redis.call("HSET", KEYS[1], "status", "rotated")

local child_key = prefix .. ":r:" .. child_hash
redis.call("HSET", child_key,
  "id", child_id,
  "fam", f.fam,
  "uid", f.uid,
  "status", "active",
  "dev", f.dev or "",
  "iat", child_iat,
  "exp", child_exp,
  "parent", f.id)
redis.call("PEXPIRE", child_key, child_ttl)
redis.call("SADD", fam_key, child_hash)
redis.call("SADD", prefix .. ":p:" .. f.uid, child_hash)
if f.dev and f.dev ~= "" then
  redis.call("SADD", prefix .. ":d:" .. f.uid .. ":" .. f.dev, child_hash)
end

return {"rotated", f.fam, f.uid, f.dev or "", f.id}
`

var rotateLua = redis.NewScript(rotateScript)

// revokeOneScript transitions a single record to revoked if it still
// exists and is not already terminal. Returns 1 on transition, 0 otherwise.
const revokeOneScript = `
local st = redis.call("HGET", KEYS[1], "status")
if not st or st == "revoked" then
  return 0
end
redis.call("HSET", KEYS[1], "status", "revoked")
return 1
`

var revokeOneLua = redis.NewScript(revokeOneScript)

// revokeSetScript revokes every live record referenced by the index set
// at KEYS[1], pruning dangling members as it goes. When ARGV[2] is
// non-empty it also writes the revocation epoch to KEYS[2].
const revokeSetScript = `
local prefix = ARGV[1]
local members = redis.call("SMEMBERS", KEYS[1])
local revoked = 0
for _, h in ipairs(members) do
  local k = prefix .. ":r:" .. h
  local st = redis.call("HGET", k, "status")
  if st then
    if st ~= "revoked" then
      redis.call("HSET", k, "status", "revoked")
      revoked = revoked + 1
    end
  else
    redis.call("SREM", KEYS[1], h)
  end
end
if ARGV[2] ~= "" then
  redis.call("SET", KEYS[2], ARGV[2])
end
return revoked
`

var revokeSetLua = redis.NewScript(revokeSetScript)

// RedisStore is a Redis-backed [Store]. Records live as hashes keyed by
// the hex of the secret hash; per-family, per-principal, and per-device
// index sets make bulk revocation a single script call. Record keys
// carry a TTL of expiry plus the retention window, so rotated records
// stay visible long enough for reuse detection before Redis reaps them.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a [RedisStore] with the given key namespace.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ac"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) recordKey(hash [32]byte) string {
	return s.prefix + ":r:" + hex.EncodeToString(hash[:])
}

func (s *RedisStore) familyKey(familyID string) string {
	return s.prefix + ":f:" + familyID
}

func (s *RedisStore) principalKey(principalID string) string {
	return s.prefix + ":p:" + principalID
}

func (s *RedisStore) deviceKey(principalID, deviceID string) string {
	return s.prefix + ":d:" + principalID + ":" + deviceID
}

func (s *RedisStore) epochKey(principalID string) string {
	return s.prefix + ":rev:" + principalID
}

// Create persists a new family root and its index entries in one
// transaction.
func (s *RedisStore) Create(ctx context.Context, rec *Record, retention time.Duration) error {
	hashHex := hex.EncodeToString(rec.SecretHash[:])
	recordKey := s.recordKey(rec.SecretHash)
	ttl := time.Until(time.Unix(rec.ExpiresAt, 0)) + retention
	if ttl <= 0 {
		return ErrTokenExpired
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, recordKey,
			"id", rec.ID,
			"fam", rec.FamilyID,
			"uid", rec.PrincipalID,
			"status", string(rec.Status),
			"dev", rec.DeviceID,
			"iat", rec.IssuedAt,
			"exp", rec.ExpiresAt,
			"parent", rec.ParentID,
		)
		pipe.PExpire(ctx, recordKey, ttl)
		pipe.SAdd(ctx, s.familyKey(rec.FamilyID), hashHex)
		pipe.SAdd(ctx, s.principalKey(rec.PrincipalID), hashHex)
		if rec.DeviceID != "" {
			pipe.SAdd(ctx, s.deviceKey(rec.PrincipalID, rec.DeviceID), hashHex)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetByHash retrieves the record matching the secret hash.
func (s *RedisStore) GetByHash(ctx context.Context, hash [32]byte) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrTokenNotFound
	}
	rec, err := recordFromFields(fields)
	if err != nil {
		return nil, err
	}
	rec.SecretHash = hash
	return rec, nil
}

// Rotate redeems the record matching providedHash and appends next as the
// family's new active record. See [Store.Rotate] for the full contract.
func (s *RedisStore) Rotate(ctx context.Context, providedHash [32]byte, next Successor) (*Record, error) {
	childHex := hex.EncodeToString(next.SecretHash[:])
	now := time.Now()
	childTTL := time.Until(time.Unix(next.ExpiresAt, 0)) + next.Retention
	if childTTL <= 0 {
		return nil, ErrTokenExpired
	}

	raw, err := rotateLua.Run(ctx, s.redis,
		[]string{s.recordKey(providedHash)},
		s.prefix,
		now.Unix(),
		childHex,
		next.ID,
		strconv.FormatInt(next.IssuedAt, 10),
		strconv.FormatInt(next.ExpiresAt, 10),
		childTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(raw) == 0 {
		return nil, ErrCorruptRecord
	}
	status, _ := raw[0].(string)

	switch status {
	case rotateStatusNotFound:
		return nil, ErrTokenNotFound
	case rotateStatusCorrupt:
		return nil, ErrCorruptRecord
	case rotateStatusExpired:
		return nil, ErrTokenExpired
	case rotateStatusRevoked:
		return nil, ErrTokenRevoked
	case rotateStatusReused:
		re := &ReuseError{}
		if len(raw) >= 6 {
			re.PrincipalID, _ = raw[1].(string)
			re.FamilyID, _ = raw[2].(string)
			re.RecordID, _ = raw[3].(string)
			re.DeviceID, _ = raw[4].(string)
			re.RevokedRecords = toInt64(raw[5])
		}
		return nil, re
	case rotateStatusRotated:
		if len(raw) < 5 {
			return nil, ErrCorruptRecord
		}
		familyID, _ := raw[1].(string)
		principalID, _ := raw[2].(string)
		deviceID, _ := raw[3].(string)
		parentID, _ := raw[4].(string)
		return &Record{
			ID:          next.ID,
			FamilyID:    familyID,
			PrincipalID: principalID,
			SecretHash:  next.SecretHash,
			Status:      StatusActive,
			DeviceID:    deviceID,
			IssuedAt:    next.IssuedAt,
			ExpiresAt:   next.ExpiresAt,
			ParentID:    parentID,
		}, nil
	default:
		return nil, ErrCorruptRecord
	}
}

// RevokeByHash terminally revokes a single record. Missing and already
// revoked records are treated as success.
func (s *RedisStore) RevokeByHash(ctx context.Context, hash [32]byte) error {
	err := revokeOneLua.Run(ctx, s.redis, []string{s.recordKey(hash)}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RevokeFamily revokes every live record of a family.
func (s *RedisStore) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	return s.revokeSet(ctx, s.familyKey(familyID), "", 0)
}

// RevokeDevice revokes every live record bound to the principal+device pair.
func (s *RedisStore) RevokeDevice(ctx context.Context, principalID, deviceID string) (int64, error) {
	return s.revokeSet(ctx, s.deviceKey(principalID, deviceID), "", 0)
}

// RevokeAllForPrincipal revokes every live record for the principal and
// advances the principal's revocation epoch.
func (s *RedisStore) RevokeAllForPrincipal(ctx context.Context, principalID string, at time.Time) (int64, error) {
	return s.revokeSet(ctx, s.principalKey(principalID), s.epochKey(principalID), at.Unix())
}

func (s *RedisStore) revokeSet(ctx context.Context, setKey, epochKey string, epoch int64) (int64, error) {
	keys := []string{setKey}
	epochArg := ""
	if epochKey != "" {
		keys = append(keys, epochKey)
		epochArg = strconv.FormatInt(epoch, 10)
	}
	n, err := revokeSetLua.Run(ctx, s.redis, keys, s.prefix, epochArg).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// RevocationEpoch returns the principal's revocation epoch, or zero when
// unset.
func (s *RedisStore) RevocationEpoch(ctx context.Context, principalID string) (int64, error) {
	epoch, err := s.redis.Get(ctx, s.epochKey(principalID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return epoch, nil
}

// PurgeExpired prunes index-set members whose record keys Redis has
// already expired. Record bodies need no sweep of their own: their TTL of
// expiry plus retention reaps them.
func (s *RedisStore) PurgeExpired(ctx context.Context, _ time.Time) (int64, error) {
	var pruned int64
	for _, pattern := range []string{s.prefix + ":f:*", s.prefix + ":p:*", s.prefix + ":d:*"} {
		var cursor uint64
		for {
			keys, next, err := s.redis.Scan(ctx, cursor, pattern, 128).Result()
			if err != nil {
				return pruned, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			for _, setKey := range keys {
				n, err := s.pruneIndexSet(ctx, setKey)
				if err != nil {
					return pruned, err
				}
				pruned += n
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return pruned, nil
}

func (s *RedisStore) pruneIndexSet(ctx context.Context, setKey string) (int64, error) {
	members, err := s.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var pruned int64
	for _, hashHex := range members {
		exists, err := s.redis.Exists(ctx, s.prefix+":r:"+hashHex).Result()
		if err != nil {
			return pruned, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if exists == 0 {
			if err := s.redis.SRem(ctx, setKey, hashHex).Err(); err != nil {
				return pruned, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			pruned++
		}
	}
	return pruned, nil
}

func recordFromFields(fields map[string]string) (*Record, error) {
	id := fields["id"]
	familyID := fields["fam"]
	principalID := fields["uid"]
	status := fields["status"]
	if id == "" || familyID == "" || principalID == "" || status == "" {
		return nil, ErrCorruptRecord
	}
	iat, err := strconv.ParseInt(fields["iat"], 10, 64)
	if err != nil {
		return nil, ErrCorruptRecord
	}
	exp, err := strconv.ParseInt(fields["exp"], 10, 64)
	if err != nil {
		return nil, ErrCorruptRecord
	}
	return &Record{
		ID:          id,
		FamilyID:    familyID,
		PrincipalID: principalID,
		Status:      Status(status),
		DeviceID:    fields["dev"],
		IssuedAt:    iat,
		ExpiresAt:   exp,
		ParentID:    fields["parent"],
	}, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
