package store

// Key prefixes of the persisted-state layout.
const (
	PrefixUsers        = "users/"
	PrefixRateLimits   = "rate_limits/"
	PrefixChats        = "chats/"
	PrefixReports      = "reports/"
	PrefixConfigs      = "configs/"
	PrefixConfigIndex  = "config_index/"
	PrefixSanctionLogs = "sanction_audit/"
)

func UserKey(uid string) string { return PrefixUsers + uid }

func RateLimitKey(uid, action string) string { return PrefixRateLimits + uid + "_" + action }

func ChatKey(chatID string) string { return PrefixChats + chatID }

// MessagesPrefix is the prefix under which a chat's messages live.
func MessagesPrefix(chatID string) string { return PrefixChats + chatID + "/messages/" }

func MessageKey(chatID, messageID string) string { return MessagesPrefix(chatID) + messageID }

func ReportKey(reportID string) string { return PrefixReports + reportID }

func ConfigKey(configID string) string { return PrefixConfigs + configID }

func ConfigIndexKey(uid string) string { return PrefixConfigIndex + uid }

func SanctionLogKey(id string) string { return PrefixSanctionLogs + id }
