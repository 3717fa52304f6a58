package auth

import "github.com/labstack/echo/v4"

// publicPaths bypass authentication: health checks and the scrape endpoint.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path()) || IsPublicPath(c.Request().URL.Path)
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
