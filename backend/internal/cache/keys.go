package cache

import "fmt"

// 键语义：
// - roomKey(roomID):          房间在线会话（ZSet<sessionId, expireAtUnixMilli>，score=expireAt）
// - entriesKey(roomID):       会话 presence（Hash<sessionId -> JSON>）
// - roomsKey():               有 presence 的房间索引（Set<roomID>）
// - memberKey(roomID, k):     成员角色缓存（String，role 或空值标记）
// - memberGenKey(roomID, k):  成员记录的写代数（String 计数），回填前比对
// - roomChannel(roomID):      跨实例提交广播（Pub/Sub）

// {} 内是 hash tag，同一房间的键落在同一个 slot，Lua 脚本才能同时操作
const (
	keyRoomFmt    = "presence:room:{room:%s}"
	keyEntriesFmt = "presence:room:entries:{room:%s}"
	keyRoomsSet   = "presence:rooms"
	keyMemberFmt  = "membership:{room:%s}:%s"
	keyGenFmt     = "membership:gen:{room:%s}:%s"
	keyChannelFmt = "collab:room:{room:%s}"
)

func roomKey(roomID string) string              { return fmt.Sprintf(keyRoomFmt, roomID) }
func entriesKey(roomID string) string           { return fmt.Sprintf(keyEntriesFmt, roomID) }
func roomsKey() string                          { return keyRoomsSet }
func memberKey(roomID, member string) string    { return fmt.Sprintf(keyMemberFmt, roomID, member) }
func memberGenKey(roomID, member string) string { return fmt.Sprintf(keyGenFmt, roomID, member) }
func roomChannel(roomID string) string          { return fmt.Sprintf(keyChannelFmt, roomID) }
