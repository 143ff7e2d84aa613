package histindex

import "github.com/chatmesh/go-chatmesh/metrics"

const (
	// subsystem shared by all metrics exposed by this package.
	subsystem = "histindex"
	opLabel   = "op"
)

var (
	messagesAdded = metrics.NewCounter(
		"messages_added",
		subsystem,
		"Message entries inserted into the index",
		[]string{opLabel})

	messagesRemoved = metrics.NewCounter(
		"messages_removed",
		subsystem,
		"Message entries removed from the index",
		[]string{opLabel})

	holesOpened = metrics.NewCounter(
		"holes_opened",
		subsystem,
		"Hole entries created",
		[]string{opLabel})

	holesClosed = metrics.NewCounter(
		"holes_closed",
		subsystem,
		"Hole entries dissolved",
		[]string{opLabel})

	cachedScopes = metrics.NewGauge(
		"cached_scopes",
		subsystem,
		"Scopes whose entry list is currently decoded in memory",
		nil)
)
