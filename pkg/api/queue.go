package api

type GetQueueRequest struct {
	Name string `in:"path=name"`
}

type GetQueueResponse struct {
	Name      string `json:"name"`
	Pending   uint64 `json:"pending"`
	InFlight  uint64 `json:"inFlight"`
	Completed uint64 `json:"completed"`
}
