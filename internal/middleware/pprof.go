package middleware

import (
	"net/http/pprof"

	"github.com/gin-gonic/gin"
)

// RegisterPprof 注册 pprof 调试端点，仅在非生产模式挂载
func RegisterPprof(r *gin.Engine) {
	grp := r.Group("/debug/pprof")
	{
		grp.GET("/", gin.WrapF(pprof.Index))
		grp.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		grp.GET("/profile", gin.WrapF(pprof.Profile))
		grp.GET("/symbol", gin.WrapF(pprof.Symbol))
		grp.POST("/symbol", gin.WrapF(pprof.Symbol))
		grp.GET("/trace", gin.WrapF(pprof.Trace))
		grp.GET("/allocs", gin.WrapH(pprof.Handler("allocs")))
		grp.GET("/block", gin.WrapH(pprof.Handler("block")))
		grp.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
		grp.GET("/heap", gin.WrapH(pprof.Handler("heap")))
		grp.GET("/mutex", gin.WrapH(pprof.Handler("mutex")))
		grp.GET("/threadcreate", gin.WrapH(pprof.Handler("threadcreate")))
	}
}
