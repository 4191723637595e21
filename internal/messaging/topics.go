package messaging

// Topics the bridge publishes to. The prefix is configurable; these are the
// suffixes.
const (
	TopicJobs    = "jobs"
	TopicShares  = "shares"
	TopicBlocks  = "blocks"
	TopicWorkers = "workers"
)

// DefaultTopicPrefix is prepended to every topic.
const DefaultTopicPrefix = "stratumbridge."
