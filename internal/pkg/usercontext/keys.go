package usercontext

// Shared Locals keys used across controllers and middlewares
const (
	LocalsKey   = "USER_CONTEXT"
	KeyUserID   = "user_id"
	KeyIsAdmin  = "isAdmin"
	KeyAPIKeyID = "api_key_settings_id"
)
