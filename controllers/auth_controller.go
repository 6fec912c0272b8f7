package controllers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"petshop-service/models"
	"petshop-service/users"
	"petshop-service/utils"
)

type AuthController struct {
	users     *users.Store
	jwtSecret string
	tokenTTL  time.Duration
}

func NewAuthController(store *users.Store, jwtSecret string, tokenTTL time.Duration) *AuthController {
	return &AuthController{users: store, jwtSecret: jwtSecret, tokenTTL: tokenTTL}
}

func (ac *AuthController) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	user, err := ac.users.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	log.Printf("User %d registered", user.ID)
	ac.respondWithToken(c, http.StatusCreated, user)
}

func (ac *AuthController) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	user, err := ac.users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	ac.respondWithToken(c, http.StatusOK, user)
}

func (ac *AuthController) respondWithToken(c *gin.Context, status int, user *models.User) {
	token, err := utils.GenerateToken(ac.jwtSecret, user.ID, user.Role, ac.tokenTTL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, gin.H{"token": token, "user": user})
}
