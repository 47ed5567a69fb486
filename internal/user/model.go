package user

type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	AvatarURL string `json:"avatar_url"`
}

type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	AvatarURL string `json:"avatar_url"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int    `json:"id"`
	Username    string `json:"username"`
	AvatarURL   string `json:"avatar_url"`
}
