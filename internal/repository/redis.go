package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/farepass/config"
	"github.com/lvdashuaibi/farepass/internal/model"
)

const (
	tokenKey        = "token:"
	reconcileKey    = "reconcile:"
	reconcileIndex  = "reconcile:index"
	redeemScriptKey = "redeem"
	claimScriptKey  = "claim"
	redeemedKey     = "redeemed:"
	reconciledKey   = "reconciled:"

	// 核验中标记的存活时间, 覆盖从原子核验到账本写入之间的窗口
	inFlightTTL = time.Minute

	// KEYS[1] 令牌哈希, KEYS[2] 票据的核验中标记; ARGV[1] 核验员ID,
	// ARGV[2] 当前毫秒时间戳, ARGV[3] 凭证中的票据ID, ARGV[4] 标记存活毫秒数.
	// 状态码: 0 OK, 1 NOT_FOUND, 2 EXPIRED, 3 ALREADY_USED, 4 票据不匹配.
	// HSET 不改变键的TTL.
	RedeemTokenScript = `
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {1}
		end

		if redis.call('HGET', KEYS[1], 'ticket_id') ~= ARGV[3] then
			return {4}
		end

		local now = tonumber(ARGV[2])
		local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
		if not expires or expires < now then
			return {2, redis.call('HGETALL', KEYS[1])}
		end

		if redis.call('HGET', KEYS[1], 'used') == '1' then
			return {3, redis.call('HGETALL', KEYS[1])}
		end

		redis.call('HSET', KEYS[1], 'used', '1', 'used_by', ARGV[1], 'used_at', ARGV[2])
		redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[4])
		return {0, redis.call('HGETALL', KEYS[1])}
	`

	// KEYS[1] 待补写哈希, KEYS[2] 索引集合; ARGV[1] 核验员ID (为空时不限),
	// ARGV[2] 令牌ID
	ClaimPendingScript = `
		if redis.call('EXISTS', KEYS[1]) == 0 then
			redis.call('SREM', KEYS[2], ARGV[2])
			return false
		end

		if ARGV[1] ~= '' and redis.call('HGET', KEYS[1], 'validator_id') ~= ARGV[1] then
			return false
		end

		local rec = redis.call('HGETALL', KEYS[1])
		redis.call('DEL', KEYS[1])
		redis.call('SREM', KEYS[2], ARGV[2])
		return rec
	`
)

var (
	// ErrStoreUnavailable Redis调用失败或超时, 调用方应重试
	ErrStoreUnavailable = errors.New("token store unavailable")
	ErrTokenNotFound    = errors.New("token not found")
	ErrClockSkew        = errors.New("redis clock outside skew tolerance")
)

var scripts = map[string]string{
	redeemScriptKey: RedeemTokenScript,
	claimScriptKey:  ClaimPendingScript,
}

// TokenStore Redis令牌存储, 保存令牌元数据和待补写核验
type TokenStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration

	mu           sync.RWMutex
	scriptHashes map[string]string // SHA1 of preloaded scripts
}

// NewRedisClient 创建Redis连接
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis data node %s: %w", cfg.DataAddress, err)
	}
	return client, nil
}

// NewTokenStore 创建令牌存储并预加载Lua脚本
func NewTokenStore(ctx context.Context, client *redis.Client, prefix string, timeout time.Duration) (*TokenStore, error) {
	s := &TokenStore{
		client:       client,
		prefix:       prefix,
		timeout:      timeout,
		scriptHashes: make(map[string]string),
	}
	if err := s.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("preload lua scripts: %w", err)
	}
	return s, nil
}

// preloadScripts 加载脚本并记录SHA1
func (s *TokenStore) preloadScripts(ctx context.Context) error {
	for name, src := range scripts {
		if _, err := s.loadScript(ctx, name, src); err != nil {
			return err
		}
	}
	return nil
}

func (s *TokenStore) loadScript(ctx context.Context, name, src string) (string, error) {
	sha1, err := s.client.ScriptLoad(ctx, src).Result()
	if err != nil {
		return "", fmt.Errorf("load %s script: %w", name, err)
	}
	s.mu.Lock()
	s.scriptHashes[name] = sha1
	s.mu.Unlock()
	return sha1, nil
}

// evalScript 执行预加载的脚本, 服务端丢失脚本缓存时重新加载一次
func (s *TokenStore) evalScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	s.mu.RLock()
	sha1, ok := s.scriptHashes[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %s not preloaded", name)
	}

	result, err := s.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err != nil && isNoScript(err) {
		if sha1, err = s.loadScript(ctx, name, scripts[name]); err != nil {
			return nil, err
		}
		result, err = s.client.EvalSha(ctx, sha1, keys, args...).Result()
	}
	return result, err
}

func isNoScript(err error) bool {
	return strings.HasPrefix(err.Error(), "NOSCRIPT")
}

func (s *TokenStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *TokenStore) tokenKey(tokenID string) string {
	return s.prefix + tokenKey + tokenID
}

func (s *TokenStore) pendingKey(tokenID string) string {
	return s.prefix + reconcileKey + tokenID
}

func (s *TokenStore) redeemedKey(ticketID int64) string {
	return s.prefix + redeemedKey + strconv.FormatInt(ticketID, 10)
}

func (s *TokenStore) reconciledKey(tokenID string) string {
	return s.prefix + reconciledKey + tokenID
}

func (s *TokenStore) indexKey() string {
	return s.prefix + reconcileIndex
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Put 保存令牌元数据, 键在 ExpiresAt 时过期
func (s *TokenStore) Put(ctx context.Context, m *model.TokenMetadata) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.tokenKey(m.TokenID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, metadataFields(m))
		pipe.PExpireAt(ctx, key, m.ExpiresAt)
		return nil
	})
	if err != nil {
		return unavailable("put token "+m.TokenID, err)
	}
	return nil
}

// Get 获取令牌元数据
func (s *TokenStore) Get(ctx context.Context, tokenID string) (*model.TokenMetadata, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.HGetAll(ctx, s.tokenKey(tokenID)).Result()
	if err != nil {
		return nil, unavailable("get token "+tokenID, err)
	}
	if len(data) == 0 {
		return nil, ErrTokenNotFound
	}
	m, err := parseMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("parse token %s: %w", tokenID, err)
	}
	return m, nil
}

// TTL 令牌被淘汰前的剩余时间
func (s *TokenStore) TTL(ctx context.Context, tokenID string) (time.Duration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ttl, err := s.client.PTTL(ctx, s.tokenKey(tokenID)).Result()
	if err != nil {
		return 0, unavailable("ttl token "+tokenID, err)
	}
	// go-redis v8 键不存在返回-2, 无过期时间返回-1
	switch ttl {
	case -2:
		return 0, ErrTokenNotFound
	case -1:
		return 0, nil
	}
	return ttl, nil
}

// CheckClock 比较Redis服务端时钟与本地时钟. 键按绝对时间过期,
// 服务端时钟偏快会提前淘汰令牌
func (s *TokenStore) CheckClock(ctx context.Context, now time.Time, skew time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	server, err := s.client.Time(ctx).Result()
	if err != nil {
		return unavailable("server time", err)
	}
	diff := server.Sub(now)
	if diff < 0 {
		diff = -diff
	}
	if diff > skew {
		return fmt.Errorf("%w: server %s, local %s", ErrClockSkew, server.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// Delete 删除令牌元数据, 用于签发回滚
func (s *TokenStore) Delete(ctx context.Context, tokenID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.tokenKey(tokenID)).Err(); err != nil {
		return unavailable("delete token "+tokenID, err)
	}
	return nil
}

// Redeem 在服务端原子地执行一次性核验. 令牌记录的票据ID与ticketID不符时
// 返回 INVALID_TOKEN, 令牌保持未使用.
func (s *TokenStore) Redeem(ctx context.Context, tokenID string, ticketID int64, validatorID string, now time.Time) (*model.Redemption, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := []string{s.tokenKey(tokenID), s.redeemedKey(ticketID)}
	result, err := s.evalScript(ctx, redeemScriptKey, keys, validatorID, now.UnixMilli(), ticketID, inFlightTTL.Milliseconds())
	if err != nil {
		return nil, unavailable("redeem token "+tokenID, err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) == 0 {
		return nil, fmt.Errorf("redeem script returned %T", result)
	}
	status, ok := resultSlice[0].(int64)
	if !ok {
		return nil, fmt.Errorf("redeem script status has type %T", resultSlice[0])
	}

	var outcome model.Outcome
	switch status {
	case 0:
		outcome = model.OutcomeOK
	case 1:
		return &model.Redemption{Outcome: model.OutcomeNotFound}, nil
	case 2:
		outcome = model.OutcomeExpired
	case 3:
		outcome = model.OutcomeAlreadyUsed
	case 4:
		return &model.Redemption{Outcome: model.OutcomeInvalidToken}, nil
	default:
		return nil, fmt.Errorf("redeem script status %d", status)
	}

	if len(resultSlice) < 2 {
		return nil, fmt.Errorf("redeem script returned no record for status %d", status)
	}
	data, err := flatToMap(resultSlice[1])
	if err != nil {
		return nil, err
	}
	record, err := parseMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("parse token %s: %w", tokenID, err)
	}
	return &model.Redemption{Outcome: outcome, Record: record}, nil
}

// SavePending 记录账本写入失败的核验
func (s *TokenStore) SavePending(ctx context.Context, p model.PendingValidation) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.pendingKey(p.TokenID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"token_id":     p.TokenID,
			"ticket_id":    p.TicketID,
			"validator_id": p.ValidatorID,
			"used_at":      p.UsedAt.UnixMilli(),
		})
		pipe.SAdd(ctx, s.indexKey(), p.TokenID)
		return nil
	})
	if err != nil {
		return unavailable("save pending "+p.TokenID, err)
	}
	return nil
}

// ClaimPending 原子地取出令牌的待补写核验. validatorID为空时不限核验员,
// 没有记录时返回nil
func (s *TokenStore) ClaimPending(ctx context.Context, tokenID, validatorID string) (*model.PendingValidation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.evalScript(ctx, claimScriptKey,
		[]string{s.pendingKey(tokenID), s.indexKey()}, validatorID, tokenID)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim pending "+tokenID, err)
	}

	data, err := flatToMap(result)
	if err != nil {
		return nil, err
	}
	ticketID, err := strconv.ParseInt(data["ticket_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse pending ticket_id: %w", err)
	}
	usedAt, err := parseMillis(data["used_at"])
	if err != nil {
		return nil, fmt.Errorf("parse pending used_at: %w", err)
	}
	return &model.PendingValidation{
		TokenID:     data["token_id"],
		TicketID:    ticketID,
		ValidatorID: data["validator_id"],
		UsedAt:      usedAt,
	}, nil
}

// ListPending 所有待补写核验的令牌ID
func (s *TokenStore) ListPending(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, unavailable("list pending", err)
	}
	return ids, nil
}

// RedemptionInFlight 报告票据是否刚被原子核验, 其账本写入可能尚未完成.
func (s *TokenStore) RedemptionInFlight(ctx context.Context, ticketID int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, s.redeemedKey(ticketID)).Result()
	if err != nil {
		return false, unavailable(fmt.Sprintf("redemption in flight %d", ticketID), err)
	}
	return n > 0, nil
}

// MarkReconciled 记录某令牌的待补写核验已落账, 标记在until时过期.
func (s *TokenStore) MarkReconciled(ctx context.Context, tokenID, validatorID string, until time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.reconciledKey(tokenID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, validatorID, 0)
		pipe.PExpireAt(ctx, key, until)
		return nil
	})
	if err != nil {
		return unavailable("mark reconciled "+tokenID, err)
	}
	return nil
}

// ReconciledBy 返回补写核验的核验员ID, 没有标记时返回空串.
func (s *TokenStore) ReconciledBy(ctx context.Context, tokenID string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := s.client.Get(ctx, s.reconciledKey(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("reconciled by "+tokenID, err)
	}
	return v, nil
}

// Close 关闭Redis连接
func (s *TokenStore) Close() error {
	return s.client.Close()
}

func metadataFields(m *model.TokenMetadata) map[string]interface{} {
	data := map[string]interface{}{
		"token_id":   m.TokenID,
		"ticket_id":  m.TicketID,
		"holder_id":  m.HolderID,
		"created_at": m.CreatedAt.UnixMilli(),
		"expires_at": m.ExpiresAt.UnixMilli(),
		"used":       "0",
		"used_by":    "",
		"used_at":    "",
	}
	if m.Amount != nil {
		data["amount"] = *m.Amount
	}
	if m.Used {
		data["used"] = "1"
		data["used_by"] = m.UsedBy
		if m.UsedAt != nil {
			data["used_at"] = m.UsedAt.UnixMilli()
		}
	}
	return data
}

func parseMetadata(data map[string]string) (*model.TokenMetadata, error) {
	ticketID, err := strconv.ParseInt(data["ticket_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ticket_id: %w", err)
	}
	createdAt, err := parseMillis(data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	expiresAt, err := parseMillis(data["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}

	m := &model.TokenMetadata{
		TokenID:   data["token_id"],
		TicketID:  ticketID,
		HolderID:  data["holder_id"],
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Used:      data["used"] == "1",
		UsedBy:    data["used_by"],
	}
	if v := data["amount"]; v != "" {
		amount, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
		m.Amount = &amount
	}
	if v := data["used_at"]; v != "" {
		usedAt, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("used_at: %w", err)
		}
		m.UsedAt = &usedAt
	}
	return m, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// flatToMap 转换Lua返回的HGETALL结果
func flatToMap(v interface{}) (map[string]string, error) {
	flat, ok := v.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("unexpected hash reply %T", v)
	}
	data := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		val, _ := flat[i+1].(string)
		data[k] = val
	}
	return data, nil
}
