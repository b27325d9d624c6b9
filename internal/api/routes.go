package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the engine endpoints on rg (typically /v1).
//
//	POST   /fragments                        ingest a fragment (async: queue it)
//	POST   /fragments/retry                  route every pending fragment again
//	GET    /fragments                        list fragments (?status=)
//	GET    /fragments/:id                    get a fragment
//	POST   /fragments/:id/reject             reject a fragment
//	POST   /documents                        extract and ingest a file or URL
//
//	GET    /decisions                        list decisions (?status=&priority=&grid_id=&needs_review=)
//	GET    /decisions/:id                    get a decision
//	POST   /decisions/:id/resolve            resolve a decision
//	POST   /decisions/:id/reevaluate         regenerate interpretations
//
//	GET    /grids                            list grids
//	POST   /grids                            create a grid
//	GET    /grids/:id                        grid snapshot
//	GET    /grids/:id/health                 health breakdown
//	POST   /grids/:id/recompute              record health now
//	POST   /grids/:id/overrides              override a gate
//	PUT    /grids/:id/cells/:cell            write a cell
//	POST   /grids/:id/cells/:cell/revalidate clear a stale flag
//	POST   /relationships                    link cells or units
//
//	GET    /units                            list units (?type=)
//	POST   /units                            create a unit
//	PATCH  /units/:id                        update a unit
//	POST   /units/:id/deprecate              deprecate a unit
//
//	GET    /predicaments                     list predicaments
//	GET    /predicaments/:id                 get a predicament
//	POST   /predicaments/:id/transition      move along the lifecycle
//	POST   /predicaments/:id/suppress        suppress a predicament
//	POST   /scan                             run tension detection
//
//	POST   /audits                           run an audit
//	GET    /audits                           archived audits
//	GET    /audits/:id                       one archived audit
//
//	GET    /events                           change events (?after=&limit=)
//	POST   /seed                             write a YAML seed
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	fragments := rg.Group("/fragments")
	{
		fragments.POST("", h.HandleIngest)
		fragments.POST("/retry", h.HandleRetryPending)
		fragments.GET("", h.HandleListFragments)
		fragments.GET("/:id", h.HandleGetFragment)
		fragments.POST("/:id/reject", h.HandleRejectFragment)
	}
	rg.POST("/documents", h.HandleIngestDocument)

	decisions := rg.Group("/decisions")
	{
		decisions.GET("", h.HandleListDecisions)
		decisions.GET("/:id", h.HandleGetDecision)
		decisions.POST("/:id/resolve", h.HandleResolveDecision)
		decisions.POST("/:id/reevaluate", h.HandleReevaluateDecision)
	}

	grids := rg.Group("/grids")
	{
		grids.GET("", h.HandleListGrids)
		grids.POST("", h.HandleCreateGrid)
		grids.GET("/:id", h.HandleSnapshot)
		grids.GET("/:id/health", h.HandleGridHealth)
		grids.POST("/:id/recompute", h.HandleRecompute)
		grids.POST("/:id/overrides", h.HandleOverride)
		grids.PUT("/:id/cells/:cell", h.HandleUpsertCell)
		grids.POST("/:id/cells/:cell/revalidate", h.HandleRevalidate)
	}
	rg.POST("/relationships", h.HandleLinkRelationship)

	units := rg.Group("/units")
	{
		units.GET("", h.HandleListUnits)
		units.POST("", h.HandleCreateUnit)
		units.PATCH("/:id", h.HandleUpdateUnit)
		units.POST("/:id/deprecate", h.HandleDeprecateUnit)
	}

	predicaments := rg.Group("/predicaments")
	{
		predicaments.GET("", h.HandleListPredicaments)
		predicaments.GET("/:id", h.HandleGetPredicament)
		predicaments.POST("/:id/transition", h.HandleTransitionPredicament)
		predicaments.POST("/:id/suppress", h.HandleSuppressPredicament)
	}
	rg.POST("/scan", h.HandleScan)

	audits := rg.Group("/audits")
	{
		audits.POST("", h.HandleRunAudit)
		audits.GET("", h.HandleAuditHistory)
		audits.GET("/:id", h.HandleGetAudit)
	}

	rg.GET("/events", h.HandleEvents)
	rg.POST("/seed", h.HandleSeed)
}
