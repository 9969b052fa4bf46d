package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Roster 记录每个房间里还活着的用户，心跳刷新过期时间。
type Roster interface {
	AddMember(ctx context.Context, room, userID, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, room, userID string) error
	AliveMembers(ctx context.Context, room string) ([]Member, error)
	Rooms(ctx context.Context) ([]string, error)
}

type Member struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// 清理过期成员
// KEYS[1] = rosterKey(room)
// KEYS[2] = namesKey(room)
// ARGV[1] = now (unix seconds)
var gcScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// 具体实现：基于 redis 的 Roster，单机和集群客户端都可以
type redisRoster struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisRoster(rdb redis.UniversalClient) Roster {
	return &redisRoster{rdb: rdb, now: time.Now}
}

func (r *redisRoster) AddMember(ctx context.Context, room, userID, name string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := r.rdb.TxPipeline()
	expireAt := r.now().Add(ttl).Unix()
	tx.ZAdd(ctx, rosterKey(room), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(room), userID, name)
	_, err := tx.Exec(ctx)
	return err
}

func (r *redisRoster) RemoveMember(ctx context.Context, room, userID string) error {
	tx := r.rdb.TxPipeline()
	tx.ZRem(ctx, rosterKey(room), userID)
	tx.HDel(ctx, namesKey(room), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (r *redisRoster) Rooms(ctx context.Context) ([]string, error) {
	var rooms []string
	iter := r.rdb.Scan(ctx, 0, rosterScan, 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		room := strings.TrimSuffix(strings.TrimPrefix(k, "collab:roster:{room:"), "}")
		if room != "" {
			rooms = append(rooms, room)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *redisRoster) AliveMembers(ctx context.Context, room string) ([]Member, error) {
	// step1: 清理过期成员，expireAt <= now 视为过期
	now := r.now().Unix()
	err := gcScript.Run(ctx, r.rdb, []string{rosterKey(room), namesKey(room)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	alive, err := r.rdb.ZRangeByScore(ctx, rosterKey(room), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := r.rdb.HMGet(ctx, namesKey(room), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]Member, 0, len(alive))
	for i, id := range alive {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{UserID: id, Name: name})
	}
	return members, nil
}
