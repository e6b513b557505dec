package access

import (
	"strings"
)

const (
	acctPrefix  = "acct:"
	emailPrefix = "email:"
)

// Identity 已验证的调用方。同一个人可能同时以账号 id 和邮箱出现在成员表里
type Identity struct {
	AccountID string `json:"accountId,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
}

func (id Identity) Empty() bool {
	return strings.TrimSpace(id.AccountID) == "" && strings.TrimSpace(id.Email) == ""
}

// EmailKey 邮箱的规范 key，邮箱为空时返回 ""
func (id Identity) EmailKey() string {
	e := strings.ToLower(strings.TrimSpace(id.Email))
	if e == "" {
		return ""
	}
	return emailPrefix + e
}

// AccountKey 账号 id 的规范 key
func (id Identity) AccountKey() string {
	a := strings.TrimSpace(id.AccountID)
	if a == "" {
		return ""
	}
	return acctPrefix + a
}

// Keys 规范 key 列表，主 key（邮箱）在前
func (id Identity) Keys() []string {
	keys := make([]string, 0, 2)
	if k := id.EmailKey(); k != "" {
		keys = append(keys, k)
	}
	if k := id.AccountKey(); k != "" {
		keys = append(keys, k)
	}
	return keys
}

// PrimaryKey 会话、presence 里使用的用户标识
func (id Identity) PrimaryKey() string {
	if k := id.EmailKey(); k != "" {
		return k
	}
	return id.AccountKey()
}

// DisplayName 没有名字时退回邮箱前缀
func (id Identity) DisplayName() string {
	if n := strings.TrimSpace(id.Name); n != "" {
		return n
	}
	if e := strings.TrimSpace(id.Email); e != "" {
		if i := strings.IndexByte(e, '@'); i > 0 {
			return e[:i]
		}
		return e
	}
	return id.AccountID
}

// NormalizeKey 把外部传入的成员标识转成规范 key：
// 已带前缀的原样（前缀小写化），含 @ 的按邮箱处理，其余按账号 id
func NormalizeKey(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, emailPrefix):
		return Identity{Email: s[len(emailPrefix):]}.EmailKey()
	case strings.HasPrefix(lower, acctPrefix):
		return Identity{AccountID: s[len(acctPrefix):]}.AccountKey()
	case strings.Contains(s, "@"):
		return Identity{Email: s}.EmailKey()
	default:
		return Identity{AccountID: s}.AccountKey()
	}
}
