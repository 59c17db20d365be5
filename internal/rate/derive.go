package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// localClients: 不访问外部服务的客户端，使用内置分组键。
var localClients = map[string]bool{"mock": true, "flaky": true, "vader": true}

// DeriveKeyFromProviderOptions 从客户端标识与其原样 Options JSON 中提取 API Key，
// 返回 client:sha256(key) 形式的限流分组键；同一 key 的多个 provider 因此共享额度。
// 解析 "api_key" 与 "api_key_env"；本地客户端缺省使用 "<client>-local"。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)
	pick := func(key string) string {
		s, _ := obj[key].(string)
		return s
	}
	key := pick("api_key")
	if key == "" {
		if env := pick("api_key_env"); env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" && localClients[client] {
		key = client + "-local"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:8])), nil
}
