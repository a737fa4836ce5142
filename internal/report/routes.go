package report

import "github.com/gorilla/mux"

func registerHealthRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET", "OPTIONS")
}

// registerReportRoutes mirrors the teacher's registerAPIRoutes grouping:
// one subrouter behind auth, everything else open, matching routes_
// registration.go's pattern of a dedicated mux.Router.Use per group.
func registerReportRoutes(r *mux.Router, s *Server, auth *AuthMiddleware) {
	sub := r.NewRoute().Subrouter()
	sub.Use(auth.Middleware)

	sub.HandleFunc("/reports/leaderboard", s.handleLeaderboard).Methods("GET", "OPTIONS")
	sub.HandleFunc("/reports/models", s.handleModels).Methods("GET", "OPTIONS")
	sub.HandleFunc("/reports/predictions", s.handlePredictions).Methods("GET", "OPTIONS")
	sub.HandleFunc("/reports/feeds", s.handleFeeds).Methods("GET", "OPTIONS")
	sub.HandleFunc("/reports/feeds/tail", s.handleFeedsTail).Methods("GET", "OPTIONS")
}
