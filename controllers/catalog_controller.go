package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"petshop-service/catalog"
	"petshop-service/models"
)

type CatalogController struct {
	catalog *catalog.Service
}

func NewCatalogController(svc *catalog.Service) *CatalogController {
	return &CatalogController{catalog: svc}
}

// ListPets supports ?species=&available=&limit=&offset=.
func (cc *CatalogController) ListPets(c *gin.Context) {
	pets, err := cc.catalog.ListPets(c.Request.Context(), models.PetFilter{
		Species:       c.Query("species"),
		AvailableOnly: c.Query("available") == "true",
		Limit:         queryInt(c, "limit"),
		Offset:        queryInt(c, "offset"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pets": pets})
}

func (cc *CatalogController) GetPet(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	pet, err := cc.catalog.GetPet(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pet)
}

// ListProducts supports ?category=&available=&limit=&offset=.
func (cc *CatalogController) ListProducts(c *gin.Context) {
	products, err := cc.catalog.ListProducts(c.Request.Context(), models.ProductFilter{
		Category:      c.Query("category"),
		AvailableOnly: c.Query("available") == "true",
		Limit:         queryInt(c, "limit"),
		Offset:        queryInt(c, "offset"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (cc *CatalogController) GetProduct(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	product, err := cc.catalog.GetProduct(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (cc *CatalogController) CreatePet(c *gin.Context) {
	var pet models.Pet
	if err := c.ShouldBindJSON(&pet); err != nil {
		bindError(c, err)
		return
	}
	if err := cc.catalog.CreatePet(c.Request.Context(), &pet); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pet)
}

func (cc *CatalogController) CreateProduct(c *gin.Context) {
	var product models.Product
	if err := c.ShouldBindJSON(&product); err != nil {
		bindError(c, err)
		return
	}
	if err := cc.catalog.CreateProduct(c.Request.Context(), &product); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}
