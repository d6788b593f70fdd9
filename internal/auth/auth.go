// Package auth 提供 CONNECT 阶段使用的认证提供者
package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// Provider 校验客户端凭据，username 缺省时为空字符串
type Provider interface {
	Authenticate(clientID, username string, password []byte) bool
}

// AllowAll 不做任何校验
type AllowAll struct{}

func (AllowAll) Authenticate(string, string, []byte) bool { return true }

// StaticProvider 使用配置中的 用户名 -> bcrypt 哈希 表校验
type StaticProvider struct {
	users map[string][]byte
}

func NewStaticProvider(users map[string]string) *StaticProvider {
	provider := &StaticProvider{users: make(map[string][]byte, len(users))}
	for username, hash := range users {
		provider.users[username] = []byte(hash)
	}
	return provider
}

func (p *StaticProvider) Authenticate(_ string, username string, password []byte) bool {
	hash, ok := p.users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, password) == nil
}

// FromUsers 用户表为空时返回 AllowAll
func FromUsers(users map[string]string) Provider {
	if len(users) == 0 {
		return AllowAll{}
	}
	return NewStaticProvider(users)
}

// HashPassword 生成写入配置的 bcrypt 哈希
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
