package api

import (
	"github.com/gorilla/mux"
)

func registerBaseRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", handleEventWebSocket).Methods("GET")
	r.HandleFunc("/ws/status", s.handleStatusWebSocket).Methods("GET")
}

func registerContractRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/api/contracts/upload", s.handleContractUpload).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/contracts/compare", s.handleContractCompare).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/contracts/{id}", s.handleContractGet).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/contracts/{id}", s.handleContractDelete).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/api/contracts/{id}/query", s.handleContractQuery).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/contracts/{id}/clauses/{type}", s.handleContractClauses).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/contracts/{id}/risks", s.handleContractRisks).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/companies/{name}/contracts", s.handleCompanyContracts).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/query", s.handleGlobalQuery).Methods("POST", "OPTIONS")
}

func registerAnalyticsRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/api/analytics/costs", s.handleDailyCosts).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/analytics/costs/range", s.handleCostRange).Methods("GET", "OPTIONS")
}
