package tenanthub

import (
	"encoding/json"

	"coach_msg/server/common/infra/mq"
	commonlog "coach_msg/server/common/log"
	"coach_msg/server/tenantHub/domain"
)

// InvalidationHandler turns tenant.updated events published by any registry
// process into local InvalidateTenant calls.
func InvalidationHandler(invalidators ...Invalidator) mq.Handler {
	return func(routingKey string, body []byte) {
		var evt domain.ChangeEvent
		if err := json.Unmarshal(body, &evt); err != nil || evt.TenantID == "" {
			tenantID, key := mq.SplitRoutingKey(routingKey)
			if key != mq.EventTenantUpdated || tenantID == "" {
				commonlog.Warnf("event=tenant_invalidation action=decode status=skipped routing_key=%s", routingKey)
				return
			}
			evt.TenantID = tenantID
		}
		for _, inv := range invalidators {
			if inv != nil {
				inv.InvalidateTenant(evt.TenantID)
			}
		}
		commonlog.Debugf("event=tenant_invalidation action=invalidate status=ok tenant_id=%s", evt.TenantID)
	}
}
