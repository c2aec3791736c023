package http

import (
	"net/http"
)

// frontendHTML is the embedded layer viewer. It lists layers from /tile/list,
// draws the selected layer's coverage and estimates exports for the current view.
const frontendHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>BVSAR tile viewer</title>
    <link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
    <style>
        :root {
            --primary: #2563eb;
            --bg: #f8fafc;
            --card: #ffffff;
            --text: #1e293b;
            --text-muted: #64748b;
            --border: #e2e8f0;
            --radius: 8px;
        }

        * {
            box-sizing: border-box;
            margin: 0;
            padding: 0;
        }

        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: var(--bg);
            color: var(--text);
            display: flex;
            flex-direction: column;
            height: 100vh;
        }

        header {
            display: flex;
            gap: 12px;
            align-items: center;
            padding: 8px 12px;
            background: var(--card);
            border-bottom: 1px solid var(--border);
        }

        header h1 {
            font-size: 1rem;
        }

        select, button {
            padding: 6px 10px;
            border: 1px solid var(--border);
            border-radius: var(--radius);
            background: var(--card);
            font-size: 0.9rem;
        }

        button {
            background: var(--primary);
            color: #fff;
            cursor: pointer;
        }

        #status {
            color: var(--text-muted);
            font-size: 0.85rem;
            margin-left: auto;
        }

        #map {
            flex: 1;
        }
    </style>
</head>
<body>
    <header>
        <h1>BVSAR tiles</h1>
        <select id="layer" aria-label="Layer"></select>
        <label><input type="checkbox" id="supertile"> 512px</label>
        <button id="export" type="button">Export view</button>
        <span id="status"></span>
    </header>
    <div id="map"></div>

    <script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
    <script>
        (function() {
            const map = L.map('map').setView([54.8, -126.5], 8);
            const select = document.getElementById('layer');
            const supertile = document.getElementById('supertile');
            const status = document.getElementById('status');
            let layers = [];
            let tileLayer = null;
            let coverage = null;

            function show(name) {
                const info = layers.find(l => l.name === name);
                if (!info) {
                    return;
                }
                if (tileLayer) {
                    map.removeLayer(tileLayer);
                }
                if (coverage) {
                    map.removeLayer(coverage);
                }
                const big = supertile.checked;
                const url = '/tile/' + encodeURIComponent(name) + '/{z}/{x}/{y}.png' + (big ? '?supertile=1' : '');
                tileLayer = L.tileLayer(url, {
                    minZoom: info.zoom_min,
                    maxNativeZoom: big ? info.zoom_max - 1 : info.zoom_max,
                    maxZoom: 20,
                    tileSize: big ? 512 : 256,
                    zoomOffset: big ? -1 : 0,
                    attribution: (info.attribution || []).map(a => a.text || a).join(', ')
                }).addTo(map);
                try {
                    coverage = L.geoJSON(JSON.parse(info.geojson), {
                        style: { color: '#2563eb', weight: 1, fill: false }
                    }).addTo(map);
                    map.fitBounds(coverage.getBounds());
                } catch (e) {
                    coverage = null;
                }
                status.textContent = name + ': zoom ' + info.zoom_min + '-' + info.zoom_max;
            }

            async function exportView() {
                const name = select.value;
                const b = map.getBounds();
                const path = map.getZoom() + '/' + b.getWest() + '/' + b.getSouth() + '/' +
                    b.getEast() + '/' + b.getNorth() + '/' + encodeURIComponent(name);
                const response = await fetch('/export/info/' + path);
                const info = await response.json();
                if (!response.ok) {
                    status.textContent = info.message || 'export failed';
                    return;
                }
                if (!info.permitted) {
                    status.textContent = 'Too many tiles (' + info.x_tiles + ' x ' + info.y_tiles + '), zoom in';
                    return;
                }
                window.open('/export/png/' + path, '_blank');
            }

            async function load() {
                const response = await fetch('/tile/list');
                layers = await response.json();
                select.innerHTML = '';
                for (const l of layers) {
                    const opt = document.createElement('option');
                    opt.value = l.name;
                    opt.textContent = l.name;
                    select.appendChild(opt);
                }
                if (layers.length === 0) {
                    status.textContent = 'No layers provisioned';
                    return;
                }
                show(layers[0].name);
            }

            select.addEventListener('change', () => show(select.value));
            supertile.addEventListener('change', () => show(select.value));
            document.getElementById('export').addEventListener('click', exportView);
            load().catch(err => { status.textContent = err.message; });
        })();
    </script>
</body>
</html>`

// handleFrontend serves the layer viewer.
func (s *Server) handleFrontend(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(frontendHTML))
}
