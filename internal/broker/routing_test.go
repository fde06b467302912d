// internal/broker/routing_test.go
package broker

import (
	"testing"

	"taskqueue-workers/internal/common/config"

	"github.com/stretchr/testify/assert"
)

func TestRouter_Route(t *testing.T) {
	routes := map[string]config.RouteConfig{
		"reports.generate":  {Queue: "heavy", Priority: 5},
		"reports.*":         {Queue: "reports"},
		"reports.monthly.*": {Queue: "monthly"},
		"notifications.*":   {Queue: "light", Priority: 2},
	}
	router := NewRouter(routes, "default")

	tests := []struct {
		name          string
		task          string
		expectedQueue string
		expectedPrio  int
	}{
		{
			name:          "exact match beats wildcard",
			task:          "reports.generate",
			expectedQueue: "heavy",
			expectedPrio:  5,
		},
		{
			name:          "longest wildcard wins",
			task:          "reports.monthly.rollup",
			expectedQueue: "monthly",
		},
		{
			name:          "shorter wildcard as fallback",
			task:          "reports.weekly.rollup",
			expectedQueue: "reports",
		},
		{
			name:          "wildcard carries priority",
			task:          "notifications.email",
			expectedQueue: "light",
			expectedPrio:  2,
		},
		{
			name:          "unrouted task goes to default",
			task:          "imports.csv",
			expectedQueue: "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue, prio := router.Route(tt.task)
			assert.Equal(t, tt.expectedQueue, queue)
			assert.Equal(t, tt.expectedPrio, prio)
		})
	}
}

func TestRouter_EmptyTable(t *testing.T) {
	router := NewRouter(nil, "default")

	queue, prio := router.Route("anything.at.all")
	assert.Equal(t, "default", queue)
	assert.Equal(t, 0, prio)
	assert.Equal(t, "default", router.DefaultQueue())
}
