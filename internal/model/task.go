package model

// Reward constants, in points-per-second of accrual rate.
//
// Every reward in this system raises the subject's accrual rate rather than
// granting a lump sum of points — the point balance itself only grows through
// elapsed time (and is settled server-side on each atomic write).
const (
	// BaseRate is the accrual rate a freshly created subject starts with.
	BaseRate = 0.1

	// ReferralBonus is credited to the referrer (not the referee) when a new
	// subject applies their referral code.
	ReferralBonus = 0.5

	// TwitterConnectReward is the one-time bonus for linking an X account.
	TwitterConnectReward = 0.5
)

// Task is a social-media quest a subject can complete for a permanent rate
// bonus. The catalog is fixed at compile time; task IDs are the idempotency
// keys for reward grants, so they must never be renamed.
type Task struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Reward     float64 `json:"reward"` // rate bonus, points per second
	URL        string  `json:"url"`
	ShareQuest bool    `json:"shareQuest,omitempty"` // URL is built client-side from the referral code
}

// Tasks is the quest catalog shown on the landing page.
var Tasks = []Task{
	{
		ID:     "follow_main",
		Name:   "Follow Tessium on X",
		Reward: 0.2,
		URL:    "https://x.com/intent/follow?screen_name=Tessium_io",
	},
	{
		ID:         "share_on_twitter",
		Name:       "Share your referral link on X",
		Reward:     1.0,
		ShareQuest: true,
	},
	{
		ID:     "share_refcode",
		Name:   "Share Referral Code",
		Reward: 0.2,
		URL:    "https://x.com/intent/follow?screen_name=Tessium_io",
	},
	{
		ID:     "join_telegram",
		Name:   "Join Telegram Community",
		Reward: 0.3,
		URL:    "https://t.me/tessium_io",
	},
	{
		ID:     "join_discord",
		Name:   "Join Discord Server",
		Reward: 0.15,
		URL:    "https://discord.com/invite/7M8qjGA4GK",
	},
	{
		ID:     "youtube_subscribe",
		Name:   "Subscribe to YouTube Channel",
		Reward: 0.1,
		URL:    "https://www.youtube.com/@tessium_io?si=0dg1zrShUIzl22r2&sub_confirmation=1",
	},
	{
		ID:     "tiktok_follow",
		Name:   "Follow Tessium on TikTok",
		Reward: 0.1,
		URL:    "https://www.tiktok.com/@tessium_io",
	},
}

// TaskByID looks a task up in the catalog. Returns (zero, false) for unknown IDs.
func TaskByID(id string) (Task, bool) {
	for _, t := range Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}
