package cache

import "fmt"

// 键语义：
// - rosterKey(room): 房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(room):  房间内 userId→name 映射（Hash）
//
// 两个键用同一个 hash tag，集群模式下 Lua 脚本可以同时操作。
const (
	keyRosterFmt = "collab:roster:{room:%s}"
	keyNamesFmt  = "collab:roster:names:{room:%s}"
	rosterScan   = "collab:roster:{room:*"
)

func rosterKey(room string) string { return fmt.Sprintf(keyRosterFmt, room) }
func namesKey(room string) string  { return fmt.Sprintf(keyNamesFmt, room) }
