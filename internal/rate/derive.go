package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DeriveKey 从 LLM 客户端名与其原样 options JSON 派生限流分组键：client:sha256(api key)。
// 同一 key 的多个 provider 共享同一预算。
// 仅识别 "api_key" 与 "api_key_env"；mock/flaky 未提供 key 时使用固定调试键。
func DeriveKey(client string, raw json.RawMessage) (LimitKey, error) {
	var opts struct {
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &opts)
	}
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && (client == "mock" || client == "flaky") {
		key = "MOCK_DEBUG_KEY"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:8])), nil
}
