package messaging

// DefaultTopicPrefix namespaces topics so several deployments can share a
// broker cluster.
const DefaultTopicPrefix = "advocacy"

// TopicSet names the channels that partition agent traffic by functional
// area. Delivery order is preserved per topic partition; there is no
// ordering guarantee across topics.
type TopicSet struct {
	Intelligence string
	Analysis     string
	Strategy     string
	Tactics      string
	Content      string
	Distribution string
	Feedback     string

	Alerts   string
	Commands string
	Events   string
}

// NewTopicSet builds the topic registry under the given prefix.
func NewTopicSet(prefix string) TopicSet {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return TopicSet{
		Intelligence: prefix + ".intelligence",
		Analysis:     prefix + ".analysis",
		Strategy:     prefix + ".strategy",
		Tactics:      prefix + ".tactics",
		Content:      prefix + ".content",
		Distribution: prefix + ".distribution",
		Feedback:     prefix + ".feedback",
		Alerts:       prefix + ".alerts",
		Commands:     prefix + ".commands",
		Events:       prefix + ".events",
	}
}

// All returns every topic name in the set.
func (t TopicSet) All() []string {
	return []string{
		t.Intelligence,
		t.Analysis,
		t.Strategy,
		t.Tactics,
		t.Content,
		t.Distribution,
		t.Feedback,
		t.Alerts,
		t.Commands,
		t.Events,
	}
}
