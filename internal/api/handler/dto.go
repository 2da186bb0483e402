package handler

// CreateInvoiceRequest represents a request to open a payment page for a controller
type CreateInvoiceRequest struct {
	DeviceID  string `json:"device_id" binding:"required,uuid"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Gateway   string `json:"gateway" binding:"required,oneof=liqpay monopay"`
	HoldMoney bool   `json:"hold_money"`
}

// InvoiceResponse represents a freshly opened invoice in API responses
type InvoiceResponse struct {
	InvoiceID string `json:"invoice_id"`
	PageURL   string `json:"page_url"`
}

// PaymentResponse represents a payment in API responses
type PaymentResponse struct {
	ID            string `json:"id"`
	InvoiceID     string `json:"invoice_id,omitempty"`
	DeviceID      string `json:"device_id"`
	Amount        int64  `json:"amount"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	ReceiptID     string `json:"receipt_id,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// PaymentEventResponse represents one audit trail entry in API responses
type PaymentEventResponse struct {
	InvoiceID     string `json:"invoice_id"`
	DeviceID      string `json:"device_id"`
	Gateway       string `json:"gateway"`
	FromStatus    string `json:"from_status"`
	ToStatus      string `json:"to_status"`
	Amount        int64  `json:"amount"`
	Modified      string `json:"modified"`
	FailureReason string `json:"failure_reason,omitempty"`
	RecordedAt    string `json:"recorded_at"`
}

// CreateDeviceRequest represents a request to register a new controller
type CreateDeviceRequest struct {
	DeviceID         string         `json:"device_id" binding:"required"`
	Family           string         `json:"family" binding:"required"`
	Name             string         `json:"name" binding:"required"`
	LocationID       string         `json:"location_id,omitempty" binding:"omitempty,uuid"`
	Fiscalize        bool           `json:"fiscalize"`
	LiqPayPublicKey  string         `json:"liqpay_public_key,omitempty"`
	LiqPayPrivateKey string         `json:"liqpay_private_key,omitempty"`
	MonoToken        string         `json:"mono_token,omitempty"`
	FiscalLicenseKey string         `json:"fiscal_license_key,omitempty"`
	FiscalPIN        string         `json:"fiscal_pin,omitempty"`
	Settings         map[string]any `json:"settings,omitempty"`
}

// DeviceResponse represents a controller in API responses. Credentials are
// write-only and never echoed back.
type DeviceResponse struct {
	ID            string         `json:"id"`
	DeviceID      string         `json:"device_id"`
	Family        string         `json:"family"`
	Name          string         `json:"name"`
	LocationID    string         `json:"location_id,omitempty"`
	Fiscalize     bool           `json:"fiscalize"`
	Settings      map[string]any `json:"settings,omitempty"`
	ReportedState map[string]any `json:"reported_state,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// UpdateSettingsRequest carries a partial settings overlay for a controller
type UpdateSettingsRequest struct {
	Settings map[string]any `json:"settings" binding:"required"`
}

// TransactionResponse represents a device-reported sale in API responses
type TransactionResponse struct {
	ID              string `json:"id"`
	ControllerTxID  int64  `json:"controller_tx_id"`
	DeviceID        string `json:"device_id"`
	Family          string `json:"family"`
	CoinAmount      int64  `json:"coin_amount"`
	BillAmount      int64  `json:"bill_amount"`
	CashlessAmount  int64  `json:"cashless_amount"`
	QRAmount        int64  `json:"qr_amount"`
	FreeAmount      int64  `json:"free_amount"`
	TotalAmount     int64  `json:"total_amount"`
	DeviceCreatedAt string `json:"device_created_at"`
	CreatedAt       string `json:"created_at"`
}

// TransactionListResponse represents a list of transactions in API responses
type TransactionListResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
}

// PaginationParams represents pagination parameters for list endpoints
type PaginationParams struct {
	Page    int `form:"page,default=1" binding:"min=1"`
	PerPage int `form:"per_page,default=20" binding:"min=1,max=100"`
}
