package geo

import "github.com/example/ride-tracking/internal/models"

// DefaultStops is the catalogue used when no external source is configured.
var DefaultStops = []models.Stop{
	{ID: 1, Name: "1 Utama Shopping Centre", Loc: models.Coord{Lat: 3.148303, Lon: 101.616398}},
	{ID: 2, Name: "KL Sentral Bus Station Terminal", Loc: models.Coord{Lat: 3.134200, Lon: 101.687011}},
	{ID: 3, Name: "KLIA1 Bus Terminal", Loc: models.Coord{Lat: 2.756717, Lon: 101.704872}},
	{ID: 4, Name: "Petronas Twin Towers", Loc: models.Coord{Lat: 3.157874, Lon: 101.711577}},
	{ID: 5, Name: "Merdeka Square", Loc: models.Coord{Lat: 3.149360, Lon: 101.693702}},
	{ID: 6, Name: "Batu Caves", Loc: models.Coord{Lat: 3.239082, Lon: 101.684094}},
	{ID: 7, Name: "KL Tower", Loc: models.Coord{Lat: 3.153154, Lon: 101.703839}},
	{ID: 8, Name: "Mid Valley Megamall", Loc: models.Coord{Lat: 3.117766, Lon: 101.677450}},
	{ID: 9, Name: "Pasar Malam Connaught", Loc: models.Coord{Lat: 3.081662, Lon: 101.737587}},
	{ID: 10, Name: "SS15 Courtyard", Loc: models.Coord{Lat: 3.078143, Lon: 101.586478}},
	{ID: 11, Name: "Publika Shopping Gallery", Loc: models.Coord{Lat: 3.171681, Lon: 101.664200}},
	{ID: 12, Name: "IOI Mall Puchong", Loc: models.Coord{Lat: 3.046550, Lon: 101.618401}},
}
