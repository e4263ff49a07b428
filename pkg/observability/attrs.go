package observability

import "go.opentelemetry.io/otel/attribute"

// Semantic attributes shared by corral spans and metrics.
var (
	AttrSessionID = attribute.Key("corral.session.id")
	AttrTaskID    = attribute.Key("corral.task.id")
	AttrStepID    = attribute.Key("corral.step.id")
	AttrToolName  = attribute.Key("corral.tool.name")
	AttrToolMode  = attribute.Key("corral.tool.mode")

	AttrScheduleID = attribute.Key("corral.schedule.id")

	AttrPeerNodeID  = attribute.Key("corral.peer.node_id")
	AttrContractID  = attribute.Key("corral.contract.id")
	AttrRoundID     = attribute.Key("corral.consensus.round_id")
	AttrChainDepth  = attribute.Key("corral.delegation.chain_depth")
	AttrErrorCode   = attribute.Key("corral.error.code")
	AttrEventType   = attribute.Key("corral.journal.event_type")
)
