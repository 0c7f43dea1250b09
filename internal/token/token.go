// Package token 提供重連令牌的發放、驗證與租約管理。
//
// 系統設計問題：
//   斷線玩家如何證明「我就是剛剛那個位置的主人」？
//
// 設計方案：
//   每個佇列位置與房間席位都綁定一個不透明令牌（UUID），
//   以單一租約表記錄令牌當下屬於 {queue, parked, room} 哪一種用途。
//
// 核心不變量：
//   任一時刻，一個令牌至多持有一種租約（互斥），
//   杜絕同一令牌同時兌換佇列位置與房間席位的跨用途重用。
//
// 競態處理：
//   預約（Reserve）先寫入本地租約，之後才進行任何外部呼叫，
//   關閉 check-then-act 的本地競態窗口；共享儲存只是事後鏡像。
package token

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/battleship-arena/pkg/apperrors"
)

// Kind 令牌租約種類
type Kind string

const (
	KindQueue  Kind = "queue"  // 排隊中的佇列位置
	KindParked Kind = "parked" // 斷線後暫存的佇列位置
	KindRoom   Kind = "room"   // 進行中房間的席位
)

// Lease 令牌租約
type Lease struct {
	Kind      Kind
	ExpiresAt time.Time
}

// 令牌生成的重試上限。UUID 碰撞機率趨近於零，
// 上限只是為了把「無限迴圈」從故障模式中排除。
const maxGenerateRetries = 5

// Service 令牌租約服務
type Service struct {
	mu     sync.Mutex
	leases map[string]Lease
	ttl    time.Duration
}

// NewService 建立令牌服務
//
// ttl 為租約存活時間；租約由定期掃描統一回收，
// 活躍房間的令牌會在每次掃描時被刷新（見 Touch）。
func NewService(ttl time.Duration) *Service {
	return &Service{
		leases: make(map[string]Lease),
		ttl:    ttl,
	}
}

// Reserve 預約一個令牌並寫入租約。
//
// 規則：
//   - requested 只有在格式正確（UUID）且未被租用時才被採納；
//     格式錯誤視為「未指定」，絕不回傳錯誤
//   - 其餘情況生成加密隨機令牌，重試數次後仍碰撞則回報內部錯誤
//     （以 UUID 的熵而言實務上不可能走到）
func (s *Service) Reserve(kind Kind, requested string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requested != "" {
		if _, err := uuid.Parse(requested); err == nil {
			if _, taken := s.leases[requested]; !taken {
				s.leases[requested] = Lease{Kind: kind, ExpiresAt: time.Now().Add(s.ttl)}
				return requested, nil
			}
		}
	}

	for i := 0; i < maxGenerateRetries; i++ {
		t := uuid.NewString()
		if _, taken := s.leases[t]; taken {
			continue
		}
		s.leases[t] = Lease{Kind: kind, ExpiresAt: time.Now().Add(s.ttl)}
		return t, nil
	}

	return "", apperrors.ErrTokenExhausted
}

// Rebind 變更既有令牌的租約種類（如 queue → room）。
// 令牌不存在時直接以新種類建立租約，確保恢復路徑不會卡死。
func (s *Service) Rebind(tok string, kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[tok] = Lease{Kind: kind, ExpiresAt: time.Now().Add(s.ttl)}
}

// Touch 刷新租約到期時間（活躍房間的令牌由掃描定期呼叫）
func (s *Service) Touch(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[tok]; ok {
		lease.ExpiresAt = time.Now().Add(s.ttl)
		s.leases[tok] = lease
	}
}

// Release 釋放令牌租約
func (s *Service) Release(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, tok)
}

// KindOf 查詢令牌當前的租約種類；過期租約視為不存在
func (s *Service) KindOf(tok string) (Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[tok]
	if !ok {
		return "", false
	}
	if time.Now().After(lease.ExpiresAt) {
		return "", false
	}
	return lease.Kind, true
}

// ExpireStale 移除已過期的租約並回傳其令牌（由定期掃描驅動）
func (s *Service) ExpireStale(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for tok, lease := range s.leases {
		if now.After(lease.ExpiresAt) {
			delete(s.leases, tok)
			expired = append(expired, tok)
		}
	}
	return expired
}

// Count 當前租約數量（監控用）
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}
